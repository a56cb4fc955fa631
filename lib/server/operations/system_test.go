/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package operations_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hyperledger/fabric-lib-go/healthz"
	"github.com/hyperledger/fabric-revocation/lib/metadata"
	"github.com/hyperledger/fabric-revocation/lib/server/operations"
	"github.com/pkg/errors"
	"github.com/hyperledger/fabric/common/metrics/disabled"
	"github.com/hyperledger/fabric/common/metrics/metricsfakes"
	"github.com/hyperledger/fabric/common/metrics/prometheus"
	"github.com/hyperledger/fabric/common/metrics/statsd"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("System", func() {
	var (
		tempDir string

		authClient   *http.Client
		unauthClient *http.Client
		options      operations.Options
		system       *operations.System
	)

	BeforeEach(func() {
		var err error
		tempDir, err = ioutil.TempDir("", "system")
		Expect(err).NotTo(HaveOccurred())

		err = generateCertificates(tempDir)
		Expect(err).NotTo(HaveOccurred())

		options = operations.Options{
			ListenAddress: "127.0.0.1:0",
			Metrics: operations.MetricsOptions{
				Provider: "disabled",
			},
			TLS: operations.TLS{
				Enabled:            true,
				CertFile:           filepath.Join(tempDir, "server-cert.pem"),
				KeyFile:            filepath.Join(tempDir, "server-key.pem"),
				ClientCertRequired: false,
				ClientCACertFiles:  []string{filepath.Join(tempDir, "client-ca.pem")},
			},
		}

		system = operations.NewSystem(options)

		authClient = newHTTPClient(tempDir, true)
		unauthClient = newHTTPClient(tempDir, false)
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
		if system != nil {
			system.Stop()
		}
	})

	It("hosts an unsecured endpoint for the version information", func() {
		err := system.Start()
		Expect(err).NotTo(HaveOccurred())

		versionURL := fmt.Sprintf("https://%s/version", system.Addr())
		resp, err := unauthClient.Get(versionURL)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var info struct {
			Version     string
			SchemaLevel int
		}
		err = json.NewDecoder(resp.Body).Decode(&info)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Version).To(Equal(metadata.GetVersion()))
		Expect(info.SchemaLevel).To(Equal(metadata.SchemaLevel))
	})

	It("serves JSON status endpoints", func() {
		system.HandleJSON("/issuers", func() (interface{}, error) {
			return []string{"org1", "org2"}, nil
		})
		system.HandleJSON("/broken", func() (interface{}, error) {
			return nil, errors.New("store unavailable")
		})
		err := system.Start()
		Expect(err).NotTo(HaveOccurred())

		resp, err := authClient.Get(fmt.Sprintf("https://%s/issuers", system.Addr()))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
		var issuers []string
		err = json.NewDecoder(resp.Body).Decode(&issuers)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(issuers).To(Equal([]string{"org1", "org2"}))

		resp, err = authClient.Get(fmt.Sprintf("https://%s/broken", system.Addr()))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
		body, _ := ioutil.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(string(body)).To(ContainSubstring("store unavailable"))

		resp, err = authClient.Post(fmt.Sprintf("https://%s/issuers", system.Addr()), "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		resp.Body.Close()
	})

	It("counts requests to JSON status endpoints", func() {
		fakeCounter := &metricsfakes.Counter{}
		fakeCounter.WithReturns(fakeCounter)
		fakeProvider := &metricsfakes.Provider{}
		fakeProvider.NewCounterReturns(fakeCounter)
		system.Provider = fakeProvider

		system.HandleJSON("/issuers", func() (interface{}, error) {
			return []string{}, nil
		})
		system.HandleJSON("/broken", func() (interface{}, error) {
			return nil, errors.New("store unavailable")
		})
		Expect(fakeProvider.NewCounterCallCount()).To(Equal(1))
		Expect(fakeProvider.NewCounterArgsForCall(0).LabelNames).To(Equal([]string{"path", "code"}))

		err := system.Start()
		Expect(err).NotTo(HaveOccurred())
		resp, err := authClient.Get(fmt.Sprintf("https://%s/issuers", system.Addr()))
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		resp, err = authClient.Get(fmt.Sprintf("https://%s/broken", system.Addr()))
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()

		Eventually(fakeCounter.AddCallCount).Should(Equal(2))
		Expect([][]string{fakeCounter.WithArgsForCall(0), fakeCounter.WithArgsForCall(1)}).To(ConsistOf(
			[]string{"path", "/issuers", "code", "200"},
			[]string{"path", "/broken", "code", "500"},
		))
	})

	It("reports registered health checkers", func() {
		var down int32
		err := system.RegisterChecker("store", checkerFunc(func(context.Context) error {
			if atomic.LoadInt32(&down) == 0 {
				return nil
			}
			return errors.New("store is down")
		}))
		Expect(err).NotTo(HaveOccurred())
		err = system.Start()
		Expect(err).NotTo(HaveOccurred())

		healthURL := fmt.Sprintf("https://%s/healthz", system.Addr())
		resp, err := authClient.Get(healthURL)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()

		atomic.StoreInt32(&down, 1)
		resp, err = authClient.Get(healthURL)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		var status healthz.HealthStatus
		err = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(status.FailedChecks).To(ConsistOf(healthz.FailedCheck{Component: "store", Reason: "store is down"}))
	})

	Context("when ClientCertRequired is true", func() {
		BeforeEach(func() {
			options.TLS.ClientCertRequired = true
			system = operations.NewSystem(options)
		})

		It("requires a client cert to connect", func() {
			err := system.Start()
			Expect(err).NotTo(HaveOccurred())

			_, err = unauthClient.Get(fmt.Sprintf("https://%s/metrics", system.Addr()))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("remote error: tls:"))
		})
	})

	Context("when listen fails", func() {
		var listener net.Listener

		BeforeEach(func() {
			var err error
			listener, err = net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())

			options.ListenAddress = listener.Addr().String()
			system = operations.NewSystem(options)
		})

		AfterEach(func() {
			listener.Close()
		})

		It("returns an error", func() {
			err := system.Start()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("bind: address already in use"))
		})
	})

	Context("when a bad TLS configuration is provided", func() {
		BeforeEach(func() {
			options.TLS.CertFile = "cert-file-does-not-exist"
			system = operations.NewSystem(options)
		})

		It("returns an error", func() {
			err := system.Start()
			Expect(err).To(MatchError("open cert-file-does-not-exist: no such file or directory"))
		})
	})

	Context("when the metrics provider is disabled", func() {
		BeforeEach(func() {
			options.Metrics = operations.MetricsOptions{
				Provider: "disabled",
			}
			system = operations.NewSystem(options)
			Expect(system).NotTo(BeNil())
		})

		It("sets up a disabled provider", func() {
			Expect(system.Provider).To(Equal(&disabled.Provider{}))
		})
	})

	Context("when the metrics provider is prometheus", func() {
		BeforeEach(func() {
			options.Metrics = operations.MetricsOptions{
				Provider: "prometheus",
			}
			system = operations.NewSystem(options)
			Expect(system).NotTo(BeNil())
		})

		It("sets up prometheus as a provider", func() {
			Expect(system.Provider).To(Equal(&prometheus.Provider{}))
		})

		It("hosts a secure endpoint for metrics", func() {
			err := system.Start()
			Expect(err).NotTo(HaveOccurred())

			metricsURL := fmt.Sprintf("https://%s/metrics", system.Addr())
			resp, err := authClient.Get(metricsURL)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := ioutil.ReadAll(resp.Body)
			resp.Body.Close()
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(ContainSubstring("# TYPE go_gc_duration_seconds summary"))
		})
	})

	Context("when the metrics provider is statsd", func() {
		var listener net.Listener

		BeforeEach(func() {
			var err error
			listener, err = net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())

			options.Metrics = operations.MetricsOptions{
				Provider: "statsd",
				Statsd: &operations.Statsd{
					Network:       "tcp",
					Address:       listener.Addr().String(),
					WriteInterval: 100 * time.Millisecond,
					Prefix:        "prefix",
				},
			}
			system = operations.NewSystem(options)
			Expect(system).NotTo(BeNil())
		})

		AfterEach(func() {
			listener.Close()
		})

		It("sets up statsd as a provider", func() {
			provider, ok := system.Provider.(*statsd.Provider)
			Expect(ok).To(BeTrue())
			Expect(provider.Statsd).NotTo(BeNil())
		})

		Context("when checking the network and address fails", func() {
			BeforeEach(func() {
				options.Metrics.Statsd.Network = "bob-the-network"
				system = operations.NewSystem(options)
			})

			It("returns an error", func() {
				err := system.Start()
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("bob-the-network"))
			})
		})
	})

	Context("when the metrics provider is statsd without options", func() {
		BeforeEach(func() {
			options.Metrics = operations.MetricsOptions{Provider: "statsd"}
			system = operations.NewSystem(options)
		})

		It("disables metrics", func() {
			Expect(system.Provider).To(Equal(&disabled.Provider{}))
		})
	})

	Context("when the metrics provider is unknown", func() {
		BeforeEach(func() {
			options.Metrics.Provider = "something-unknown"
			system = operations.NewSystem(options)
		})

		It("sets up a disabled provider", func() {
			Expect(system.Provider).To(Equal(&disabled.Provider{}))
		})
	})
})

type checkerFunc func(context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}
