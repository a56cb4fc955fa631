/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package operations

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"

	"github.com/pkg/errors"
)

// DefaultTLSCipherSuites are the cipher suites offered by the operations
// listener
var DefaultTLSCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
}

// TLS contains the TLS configuration of the operations listener
type TLS struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	ClientCertRequired bool
	ClientCACertFiles  []string
}

// Config returns the server TLS configuration, or nil when TLS is disabled
func (t TLS) Config() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, err
	}
	caCertPool := x509.NewCertPool()
	for _, caPath := range t.ClientCACertFiles {
		caPem, err := ioutil.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		if !caCertPool.AppendCertsFromPEM(caPem) {
			return nil, errors.Errorf("No client CA certificates found in '%s'", caPath)
		}
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		CipherSuites: DefaultTLSCipherSuites,
		ClientCAs:    caCertPool,
		MinVersion:   tls.VersionTLS12,
	}
	if t.ClientCertRequired {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsConfig, nil
}
