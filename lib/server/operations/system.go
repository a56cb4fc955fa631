/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package operations

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare/cfssl/log"
	kitstatsd "github.com/go-kit/kit/metrics/statsd"
	"github.com/gorilla/mux"
	"github.com/hyperledger/fabric-revocation/lib/metadata"
	"github.com/hyperledger/fabric-lib-go/healthz"
	"github.com/hyperledger/fabric/common/metrics"
	"github.com/hyperledger/fabric/common/metrics/disabled"
	"github.com/hyperledger/fabric/common/metrics/prometheus"
	"github.com/hyperledger/fabric/common/metrics/statsd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// System is the operations server of the revocation engine. It serves
// metrics, health checks, version information and read-only JSON status
// endpoints registered with HandleJSON.
type System struct {
	metrics.Provider
	healthHandler *healthz.HealthHandler

	options    Options
	statsd     *kitstatsd.Statsd
	sendTicker *time.Ticker
	httpServer *http.Server
	mux        *mux.Router
	addr       string

	requestsOnce sync.Once
	requests     metrics.Counter
}

var requestCounterOpts = metrics.CounterOpts{
	Namespace:    "operations",
	Name:         "json_requests",
	Help:         "Number of requests served by the JSON status endpoints.",
	LabelNames:   []string{"path", "code"},
	StatsdFormat: "%{#fqname}.%{code}",
}

// Options configures the operations server of the revocation server: its
// listen address, metrics provider and optional TLS
type Options struct {
	ListenAddress string
	Metrics       MetricsOptions
	TLS           TLS
}

// MetricsOptions selects the metrics provider: prometheus, statsd or disabled
type MetricsOptions struct {
	Provider string
	Statsd   *Statsd
}

// Statsd is where statsd metrics are pushed and how often
type Statsd struct {
	Network       string
	Address       string
	WriteInterval time.Duration
	Prefix        string
}

// NewSystem returns an operations server with the health check, version
// and metrics endpoints installed. Nothing listens until Start.
func NewSystem(o Options) *System {
	system := &System{
		options: o,
	}

	system.initializeServer()
	system.initializeHealthCheckHandler()
	system.initializeMetricsProvider()
	system.initializeVersionInfoHandler()

	return system
}

// Start begins pushing statsd metrics, if configured, and serves the
// operations endpoints in the background
func (s *System) Start() error {
	err := s.startMetricsTickers()
	if err != nil {
		return err
	}

	listener, err := s.listen()
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()

	log.Infof("Revocation operations server listening on %s", listener.Addr())
	go s.httpServer.Serve(listener)

	return nil
}

// Stop stops the statsd push loop and shuts the listener down, waiting up to
// five seconds for in-flight requests
func (s *System) Stop() error {
	if s.sendTicker != nil {
		s.sendTicker.Stop()
		s.sendTicker = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

func (s *System) initializeServer() {
	s.mux = mux.NewRouter()
	s.httpServer = &http.Server{
		Addr:         s.options.ListenAddress,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
}

func (s *System) initializeMetricsProvider() {
	m := s.options.Metrics
	providerType := m.Provider
	switch providerType {
	case "statsd":
		if m.Statsd == nil {
			log.Warning("Metrics provider is statsd but no statsd options are set; metrics disabled")
			s.Provider = &disabled.Provider{}
			return
		}
		prefix := m.Statsd.Prefix
		if prefix != "" && !strings.HasSuffix(prefix, ".") {
			prefix = prefix + "."
		}

		ks := kitstatsd.New(prefix, s)
		s.Provider = &statsd.Provider{Statsd: ks}
		s.statsd = ks

	case "prometheus":
		s.Provider = &prometheus.Provider{}
		s.mux.Handle("/metrics", promhttp.Handler())

	default:
		if providerType != "disabled" {
			log.Warningf("Unknown provider type: %s; metrics disabled", providerType)
		}

		s.Provider = &disabled.Provider{}
	}
}

func (s *System) initializeHealthCheckHandler() {
	s.healthHandler = healthz.NewHealthHandler()
	s.mux.Handle("/healthz", s.healthHandler)
}

func (s *System) initializeVersionInfoHandler() {
	version := fmt.Sprintf(`{"Version":"%s","SchemaLevel":%d}`, metadata.GetVersion(), metadata.SchemaLevel)
	s.mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, version)
	})
}

func (s *System) startMetricsTickers() error {
	m := s.options.Metrics
	if s.statsd != nil {
		network := m.Statsd.Network
		address := m.Statsd.Address
		c, err := net.Dial(network, address)
		if err != nil {
			return err
		}
		c.Close()

		writeInterval := s.options.Metrics.Statsd.WriteInterval

		s.sendTicker = time.NewTicker(writeInterval)
		go s.statsd.SendLoop(s.sendTicker.C, network, address)
	}

	return nil
}

// Log reports statsd send failures to the server log
func (s *System) Log(keyvals ...interface{}) error {
	log.Warning(keyvals...)
	return nil
}

// HandleJSON serves the value returned by fn as JSON on path. Errors are
// reported as 500 with the error text. Every request is counted by path and
// status code.
func (s *System) HandleJSON(path string, fn func() (interface{}, error)) {
	s.requestsOnce.Do(func() {
		s.requests = s.NewCounter(requestCounterOpts)
	})
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		code := s.serveJSON(w, r, path, fn)
		s.requests.With("path", path, "code", strconv.Itoa(code)).Add(1)
	})
}

func (s *System) serveJSON(w http.ResponseWriter, r *http.Request, path string, fn func() (interface{}, error)) int {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return http.StatusMethodNotAllowed
	}
	v, err := fn()
	if err != nil {
		log.Errorf("Operations endpoint %s failed: %s", path, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warningf("Failed to write response of %s: %s", path, err)
	}
	return http.StatusOK
}

// RegisterChecker adds a component, such as the revocation store, to /healthz
func (s *System) RegisterChecker(component string, checker healthz.HealthChecker) error {
	return s.healthHandler.RegisterChecker(component, checker)
}

func (s *System) listen() (net.Listener, error) {
	tlsConfig, err := s.options.TLS.Config()
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", s.options.ListenAddress)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}
	return listener, nil
}

// Addr returns the address the operations server listens on, once started
func (s *System) Addr() string {
	return s.addr
}
