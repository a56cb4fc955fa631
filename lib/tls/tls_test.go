/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io/ioutil"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeKeyPair writes a self-signed certificate and its key to dir
func writeKeyPair(t *testing.T, dir, name string, notBefore, notAfter time.Time) (certFile, keyFile string) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, name+"-cert.pem")
	keyFile = filepath.Join(dir, name+"-key.pem")
	require.NoError(t, ioutil.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644))
	require.NoError(t, ioutil.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certFile, keyFile
}

func TestGetClientTLSConfig(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	root, _ := writeKeyPair(t, dir, "root", now.Add(-time.Hour), now.Add(time.Hour))
	writeKeyPair(t, dir, "tls_client", now.Add(-time.Hour), now.Add(time.Hour))

	cfg := &ClientTLSConfig{
		CertFiles: []string{filepath.Base(root)},
		Client: KeyCertFiles{
			KeyFile:  "tls_client-key.pem",
			CertFile: "tls_client-cert.pem",
		},
	}
	require.NoError(t, AbsTLSClient(cfg, dir))
	assert.Equal(t, root, cfg.CertFiles[0])

	tlsConfig, err := GetClientTLSConfig(cfg)
	require.NoError(t, err)
	assert.Len(t, tlsConfig.Certificates, 1)
	assert.NotNil(t, tlsConfig.RootCAs)
}

func TestGetClientTLSConfigWithoutClientCert(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	root, _ := writeKeyPair(t, dir, "root", now.Add(-time.Hour), now.Add(time.Hour))

	tlsConfig, err := GetClientTLSConfig(&ClientTLSConfig{CertFiles: []string{root}})
	require.NoError(t, err)
	assert.Empty(t, tlsConfig.Certificates)
}

func TestGetClientTLSConfigInvalidArgs(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	root, _ := writeKeyPair(t, dir, "root", now.Add(-time.Hour), now.Add(time.Hour))
	expiredCert, expiredKey := writeKeyPair(t, dir, "expired", now.Add(-2*time.Hour), now.Add(-time.Hour))
	futureCert, futureKey := writeKeyPair(t, dir, "future", now.Add(time.Hour), now.Add(2*time.Hour))

	_, err := GetClientTLSConfig(&ClientTLSConfig{})
	assert.EqualError(t, err, "No trusted root certificates for TLS were provided")

	_, err = GetClientTLSConfig(&ClientTLSConfig{
		CertFiles: []string{root},
		Client:    KeyCertFiles{CertFile: filepath.Join(dir, "missing-cert.pem")},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read file")

	_, err = GetClientTLSConfig(&ClientTLSConfig{
		CertFiles: []string{root},
		Client:    KeyCertFiles{CertFile: expiredCert, KeyFile: expiredKey},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "has expired")

	_, err = GetClientTLSConfig(&ClientTLSConfig{
		CertFiles: []string{root},
		Client:    KeyCertFiles{CertFile: futureCert, KeyFile: futureKey},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "is not valid until")

	notPEM := filepath.Join(dir, "garbage.pem")
	require.NoError(t, ioutil.WriteFile(notPEM, []byte("garbage"), 0644))
	_, err = GetClientTLSConfig(&ClientTLSConfig{CertFiles: []string{notPEM}})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to process certificate")

	_, err = GetClientTLSConfig(&ClientTLSConfig{CertFiles: []string{filepath.Join(dir, "nope.pem")}})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read")
}
