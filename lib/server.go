/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package lib

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cloudflare/cfssl/log"
	revlog "github.com/hyperledger/fabric-revocation/internal/pkg/log"
	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/hyperledger/fabric-revocation/lib/anchor"
	"github.com/hyperledger/fabric-revocation/lib/revocation"
	"github.com/hyperledger/fabric-revocation/lib/server/db"
	"github.com/hyperledger/fabric-revocation/lib/server/db/factory"
	"github.com/hyperledger/fabric-revocation/lib/server/metrics"
	"github.com/hyperledger/fabric-revocation/lib/server/operations"
	"github.com/hyperledger/fabric-revocation/lib/store"
	"github.com/hyperledger/fabric-revocation/lib/store/leveldbstore"
	"github.com/hyperledger/fabric-revocation/lib/store/memstore"
	"github.com/hyperledger/fabric-revocation/lib/store/sqlstore"
	"github.com/hyperledger/fabric-revocation/lib/tls"
	"github.com/hyperledger/fabric-revocation/util"
	"github.com/pkg/errors"
)

// shutdownTimeout bounds the final epoch close on Stop
const shutdownTimeout = 30 * time.Second

// Server is the revocation server. It owns the store, the issuer directory
// and the coordinator, drives epoch clocks and serves the operations
// endpoints.
type Server struct {
	// The home directory for the server
	HomeDir string
	// The server's configuration
	Config *ServerConfig
	// BlockingStart makes Start wait for a termination signal or Stop
	BlockingStart bool

	params      *accumulator.GroupParameters
	store       store.Store
	dir         *revocation.Directory
	coordinator *revocation.Coordinator
	operations  *operations.System
	metrics     *metrics.Metrics
	dbMetrics   *db.Metrics

	// freshParams are written to the params file once the store accepts them
	freshParams bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
	clocks  []interface{ Stop() }
}

// Init initializes the server: it loads or generates the group parameters,
// opens the store and restores every issuer. With renew a new set of group
// parameters is generated, which is refused once a store holds parameters.
func (s *Server) Init(renew bool) (err error) {
	if s.Config == nil {
		return errors.New("Revocation server's config is nil")
	}
	if s.coordinator != nil {
		return nil
	}
	if s.HomeDir == "" {
		s.HomeDir, err = os.Getwd()
		if err != nil {
			return errors.Wrap(err, "Failed to get server's home directory")
		}
	}
	revlog.SetDefaultLogLevel(s.Config.LogLevel, s.Config.Debug)
	if err = s.Config.Revocation.Init(); err != nil {
		return errors.WithMessage(err, "Invalid revocation configuration")
	}
	if err = s.makeFileNamesAbsolute(); err != nil {
		return err
	}
	s.initOperations()
	if err = s.initParams(renew); err != nil {
		return err
	}
	if err = s.initStore(); err != nil {
		return err
	}
	if err = s.storeParams(); err != nil {
		s.store.Close()
		s.store = nil
		return err
	}
	if err = s.initIssuers(); err != nil {
		s.store.Close()
		s.store = nil
		return err
	}
	return nil
}

func (s *Server) initOperations() {
	if s.operations != nil {
		return
	}
	o := &s.Config.Operations
	if o.ListenAddress == "" {
		o.ListenAddress = DefaultOperationsAddress
	}
	if o.Metrics.Provider == "" {
		o.Metrics.Provider = "disabled"
	}
	s.operations = operations.NewSystem(*o)
	s.metrics = metrics.New(s.operations.Provider)
	s.dbMetrics = &db.Metrics{
		APICounter:  s.operations.NewCounter(db.APICounterOpts),
		APIDuration: s.operations.NewHistogram(db.APIDurationOpts),
	}
}

func (s *Server) initParams(renew bool) error {
	pf := &accumulator.ParamsFile{
		PublicFile:   s.Config.Params.PublicFile,
		TrapdoorFile: s.Config.Params.TrapdoorFile,
	}
	if util.FileExists(pf.PublicFile) && !renew {
		gp, err := pf.Load()
		if err != nil {
			return err
		}
		if gp.Policy() != s.Config.Revocation.Policy() {
			log.Warningf("Group parameters in '%s' follow witness policy '%s', not the configured '%s'",
				pf.PublicFile, gp.Policy(), s.Config.Revocation.Policy())
		}
		s.params = gp
		log.Infof("Loaded %d-bit group parameters from %s", gp.Modulus.BitLen(), pf.PublicFile)
		return nil
	}
	gp, err := accumulator.Initialize(s.Config.Revocation.SecurityBits, s.Config.Revocation.Policy())
	if err != nil {
		return errors.WithMessage(err, "Failed to generate group parameters")
	}
	s.params = gp
	s.freshParams = true
	return nil
}

func (s *Server) storeParams() error {
	if !s.freshParams {
		return nil
	}
	pf := &accumulator.ParamsFile{
		PublicFile:   s.Config.Params.PublicFile,
		TrapdoorFile: s.Config.Params.TrapdoorFile,
	}
	if err := pf.Store(s.params); err != nil {
		return err
	}
	s.freshParams = false
	return nil
}

// initStore opens the configured store and binds it to the group parameters
func (s *Server) initStore() error {
	st, err := s.openStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	stored, err := st.GetParams(ctx)
	switch {
	case store.IsNotFound(err):
		err = st.PutParams(ctx, s.params)
		if err != nil {
			st.Close()
			return errors.WithMessage(err, "Failed to store group parameters")
		}
	case err != nil:
		st.Close()
		return errors.WithMessage(err, "Failed to read group parameters from the store")
	case s.freshParams:
		st.Close()
		return errors.Errorf("The %s store already holds group parameters; new parameters require a new store",
			s.Config.Store.Type)
	case stored.Modulus.Cmp(s.params.Modulus) != 0 || stored.Generator.Cmp(s.params.Generator) != 0:
		st.Close()
		return errors.Errorf("Group parameters in '%s' do not match the parameters of the %s store",
			s.Config.Params.PublicFile, s.Config.Store.Type)
	}
	s.store = st
	return nil
}

func (s *Server) openStore() (store.Store, error) {
	cfg := &s.Config.Store
	switch cfg.Type {
	case "memory":
		log.Warning("Using an in-memory revocation store; revocations are lost on exit")
		return memstore.New(), nil
	case "leveldb":
		return leveldbstore.Open(cfg.LevelDB.Dir, cfg.LevelDB.Sync)
	}
	if cfg.Type == "sqlite3" && cfg.Datasource == "" {
		cfg.Datasource = filepath.Join(s.HomeDir, DefaultDatasource)
	}
	sqlDB, err := factory.New(cfg.Type, cfg.Datasource, "revocation", &cfg.TLS, s.dbMetrics)
	if err != nil {
		return nil, err
	}
	if err = sqlDB.Connect(); err != nil {
		return nil, err
	}
	database, err := sqlDB.Create()
	if err != nil {
		return nil, err
	}
	st, err := sqlstore.New(database)
	if err != nil {
		database.Close()
		return nil, err
	}
	log.Infof("Initialized %s revocation store", cfg.Type)
	return st, nil
}

func (s *Server) initIssuers() error {
	ctx := context.Background()
	cfg := &s.Config.Revocation
	s.dir = revocation.NewDirectory(cfg, s.params, s.store, s.metrics)
	if err := s.dir.Load(ctx); err != nil {
		return err
	}
	for _, name := range util.NormalizeStringSlice(s.Config.Issuers) {
		if _, err := s.dir.Lookup(name); err == nil {
			continue
		}
		if _, err := s.dir.Onboard(ctx, name, &cfg.Filter); err != nil {
			return errors.WithMessagef(err, "Failed to onboard issuer '%s'", name)
		}
	}

	timeout, err := cfg.Epoch.CommitTimeoutDuration()
	if err != nil {
		return err
	}
	opts := []revocation.Option{
		revocation.WithMapper(cfg.Mapper()),
		revocation.WithMetrics(s.metrics),
		revocation.WithCommitTimeout(timeout),
	}
	ledger, err := s.publicLedger()
	if err != nil {
		return err
	}
	if outbox, ok := s.store.(store.AnchorOutbox); ok && ledger != nil {
		opts = append(opts, revocation.WithAnchoring(ledger, outbox))
	}
	s.coordinator = revocation.NewCoordinator(s.dir, opts...)
	return nil
}

func (s *Server) publicLedger() (revocation.PublicLedger, error) {
	switch s.Config.Anchor.Ledger {
	case "", DefaultAnchorLedger:
		return anchor.LogLedger{}, nil
	case "none":
		return nil, nil
	default:
		return nil, errors.Errorf("Invalid anchor.ledger '%s'; must be 'log' or 'none'", s.Config.Anchor.Ledger)
	}
}

// Start initializes the server, starts the operations server and the epoch
// clocks. With BlockingStart it returns only after the server is stopped.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("Server is already started")
	}
	err := s.Init(false)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	err = s.startOperations()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	clocks, err := s.epochClocks()
	if err != nil {
		s.operations.Stop()
		s.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	s.started = true
	done, stopped := s.done, s.stopped
	loop := s.coordinator.Watch(clocks...)
	go func() {
		defer close(done)
		loop(ctx)
	}()
	s.mu.Unlock()
	log.Infof("Revocation server started with %d issuers", len(s.dir.Issuers()))

	if !s.BlockingStart {
		return nil
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case <-sig:
		log.Info("Received termination signal")
		return s.Stop()
	case <-stopped:
		return nil
	}
}

func (s *Server) startOperations() error {
	err := s.operations.RegisterChecker("store", s.store)
	if err != nil {
		return err
	}
	s.operations.HandleJSON("/issuers", func() (interface{}, error) {
		return s.IssuerStatus(), nil
	})
	return s.operations.Start()
}

func (s *Server) epochClocks() ([]revocation.EpochClock, error) {
	ec := &s.Config.Revocation.Epoch
	interval, err := ec.IntervalDuration()
	if err != nil {
		return nil, err
	}
	var clocks []revocation.EpochClock
	if interval > 0 {
		tc := revocation.NewTickerClock(interval)
		clocks = append(clocks, tc)
		s.clocks = append(s.clocks, tc)
	}
	if ec.MaxRevocations > 0 {
		cc := revocation.NewCountClock(ec.MaxRevocations)
		clocks = append(clocks, cc)
	}
	if len(clocks) == 0 {
		log.Warning("No epoch clock is configured; epochs are closed only on shutdown")
	}
	return clocks, nil
}

// Stop stops the epoch clocks, commits every open epoch, flushes queued
// anchor records and closes the store
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("Server is not currently started")
	}
	s.started = false
	for _, c := range s.clocks {
		c.Stop()
	}
	s.clocks = nil
	s.cancel()
	<-s.done
	close(s.stopped)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var firstErr error
	if _, err := s.coordinator.CloseAll(ctx); err != nil {
		log.Errorf("Failed to commit open epochs on shutdown: %s", err)
		firstErr = err
	}
	if err := s.operations.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close releases the store of a server that was initialized but not started
func (s *Server) Close() error {
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	s.coordinator = nil
	s.dir = nil
	return err
}

// Coordinator returns the revocation coordinator of an initialized server
func (s *Server) Coordinator() *revocation.Coordinator {
	return s.coordinator
}

// Directory returns the issuer directory of an initialized server
func (s *Server) Directory() *revocation.Directory {
	return s.dir
}

// Operations returns the operations system of an initialized server
func (s *Server) Operations() *operations.System {
	return s.operations
}

// IssuerStatus is the operational summary of one issuer
type IssuerStatus struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	Epoch            uint64 `json:"epoch"`
	OpenEpoch        uint64 `json:"open_epoch"`
	Count            int    `json:"count"`
	Pending          int    `json:"pending"`
	Digest           string `json:"digest"`
	FilterInserted   uint64 `json:"filter_inserted"`
	FilterGeneration uint64 `json:"filter_generation"`
	FilterSaturated  bool   `json:"filter_saturated"`
}

// IssuerStatus returns the status of every issuer, ordered by name
func (s *Server) IssuerStatus() []IssuerStatus {
	var statuses []IssuerStatus
	for _, name := range s.dir.Issuers() {
		is, err := s.dir.Lookup(name)
		if err != nil {
			continue
		}
		l := is.Ledger()
		snap := l.Snapshot()
		f := is.Filter()
		statuses = append(statuses, IssuerStatus{
			Name:             name,
			State:            l.State().String(),
			Epoch:            snap.Epoch,
			OpenEpoch:        l.OpenEpoch(),
			Count:            snap.Count,
			Pending:          len(l.Pending()),
			Digest:           snap.DigestHex(),
			FilterInserted:   f.Inserted(),
			FilterGeneration: f.Generation(),
			FilterSaturated:  f.Saturated(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Make all file names in the config absolute
func (s *Server) makeFileNamesAbsolute() error {
	fields := []*string{
		&s.Config.Params.PublicFile,
		&s.Config.Params.TrapdoorFile,
		&s.Config.Store.LevelDB.Dir,
		&s.Config.Operations.TLS.CertFile,
		&s.Config.Operations.TLS.KeyFile,
	}
	if s.Config.Params.PublicFile == "" {
		s.Config.Params.PublicFile = DefaultParamsFile
	}
	if s.Config.Params.TrapdoorFile == "" {
		s.Config.Params.TrapdoorFile = DefaultTrapdoorFile
	}
	if s.Config.Store.LevelDB.Dir == "" {
		s.Config.Store.LevelDB.Dir = DefaultLevelDBDir
	}
	if s.Config.Store.Type == "" {
		s.Config.Store.Type = DefaultStoreType
	}
	err := util.MakeFileNamesAbsolute(fields, s.HomeDir)
	if err != nil {
		return err
	}
	for i, f := range s.Config.Operations.TLS.ClientCACertFiles {
		s.Config.Operations.TLS.ClientCACertFiles[i], err = util.MakeFileAbs(f, s.HomeDir)
		if err != nil {
			return err
		}
	}
	if s.Config.Store.Type == "sqlite3" && s.Config.Store.Datasource != "" && s.Config.Store.Datasource != ":memory:" {
		s.Config.Store.Datasource, err = util.MakeFileAbs(s.Config.Store.Datasource, s.HomeDir)
		if err != nil {
			return err
		}
	}
	if s.Config.Store.Type == "postgres" || s.Config.Store.Type == "mysql" {
		return tls.AbsTLSClient(&s.Config.Store.TLS, s.HomeDir)
	}
	return nil
}
