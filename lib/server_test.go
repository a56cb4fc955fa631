/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package lib_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/hyperledger/fabric-revocation/lib"
	"github.com/hyperledger/fabric-revocation/lib/revocation"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecurityBits = 256

func testHome(t *testing.T) string {
	home, err := ioutil.TempDir("", "revsrv")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(home) })
	return home
}

func testConfig(storeType string, issuers ...string) *ServerConfig {
	return &ServerConfig{
		Issuers: issuers,
		Store:   StoreConfig{Type: storeType},
		Revocation: revocation.Config{
			SecurityBits: testSecurityBits,
			VerifyOnLoad: true,
			Filter:       revocation.IssuerConfig{Capacity: 100, FPRate: 0.01},
			Epoch:        revocation.EpochConfig{Interval: "0s"},
		},
	}
}

func TestServerNilConfig(t *testing.T) {
	srv := &Server{HomeDir: testHome(t)}
	err := srv.Init(false)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config is nil")
}

func TestServerInit(t *testing.T) {
	for _, storeType := range []string{"memory", "sqlite3", "leveldb"} {
		t.Run(storeType, func(t *testing.T) {
			home := testHome(t)
			srv := &Server{HomeDir: home, Config: testConfig(storeType, "org1", "org2")}
			require.NoError(t, srv.Init(false))
			defer srv.Close()

			assert.Equal(t, []string{"org1", "org2"}, srv.Directory().Issuers())
			assert.NotNil(t, srv.Coordinator())
			assert.FileExists(t, filepath.Join(home, DefaultParamsFile))
			assert.Equal(t, filepath.Join(home, DefaultParamsFile), srv.Config.Params.PublicFile)

			// a second Init is a no-op
			require.NoError(t, srv.Init(false))
		})
	}
}

func TestServerRestart(t *testing.T) {
	home := testHome(t)
	srv := &Server{HomeDir: home, Config: testConfig("sqlite3", "org1")}
	require.NoError(t, srv.Init(false))

	c := srv.Coordinator()
	_, err := c.Revoke("org1", revocation.Identifier("alice"))
	require.NoError(t, err)
	cs, err := c.CloseEpoch(context.Background(), "org1")
	require.NoError(t, err)
	require.True(t, cs.Committed())
	_, err = c.Revoke("org1", revocation.Identifier("bob"))
	require.NoError(t, err)

	status := srv.IssuerStatus()
	require.Len(t, status, 1)
	assert.Equal(t, "org1", status[0].Name)
	assert.Equal(t, "OPEN", status[0].State)
	assert.Equal(t, uint64(1), status[0].Epoch)
	assert.Equal(t, uint64(2), status[0].OpenEpoch)
	assert.Equal(t, 1, status[0].Count)
	assert.Equal(t, 1, status[0].Pending)
	assert.Equal(t, uint64(2), status[0].FilterInserted)
	require.NoError(t, srv.Close())

	// the committed revocation survives; the staged one does not
	srv = &Server{HomeDir: home, Config: testConfig("sqlite3", "org1")}
	require.NoError(t, srv.Init(false))
	defer srv.Close()
	st, err := srv.Coordinator().Resolve("org1", revocation.Identifier("alice"))
	require.NoError(t, err)
	assert.True(t, st.Revoked)
	assert.True(t, st.Authoritative)
	assert.Equal(t, uint64(1), st.Epoch)

	st, err = srv.Coordinator().Resolve("org1", revocation.Identifier("bob"))
	require.NoError(t, err)
	assert.False(t, st.Revoked)
	assert.True(t, st.Authoritative)
}

func TestServerParamsMismatch(t *testing.T) {
	home := testHome(t)
	srv := &Server{HomeDir: home, Config: testConfig("sqlite3", "org1")}
	require.NoError(t, srv.Init(false))
	require.NoError(t, srv.Close())
	params, err := ioutil.ReadFile(filepath.Join(home, DefaultParamsFile))
	require.NoError(t, err)

	t.Run("renew", func(t *testing.T) {
		srv := &Server{HomeDir: home, Config: testConfig("sqlite3")}
		err := srv.Init(true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already holds group parameters")

		kept, err := ioutil.ReadFile(filepath.Join(home, DefaultParamsFile))
		require.NoError(t, err)
		assert.Equal(t, params, kept)
	})

	t.Run("foreign params", func(t *testing.T) {
		other := testHome(t)
		srv := &Server{HomeDir: other, Config: testConfig("memory")}
		require.NoError(t, srv.Init(false))
		require.NoError(t, srv.Close())
		foreign, err := ioutil.ReadFile(filepath.Join(other, DefaultParamsFile))
		require.NoError(t, err)

		cfg := testConfig("sqlite3")
		cfg.Params.PublicFile = filepath.Join(other, DefaultParamsFile)
		srv = &Server{HomeDir: home, Config: cfg}
		err = srv.Init(false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "do not match")
		assert.NotEqual(t, params, foreign)
	})
}

func TestServerBadConfig(t *testing.T) {
	cases := map[string]func(*ServerConfig){
		"store type":     func(c *ServerConfig) { c.Store.Type = "oracle" },
		"anchor ledger":  func(c *ServerConfig) { c.Anchor.Ledger = "fabric" },
		"witness policy": func(c *ServerConfig) { c.Revocation.WitnessPolicy = "escrow" },
		"issuer name":    func(c *ServerConfig) { c.Issuers = []string{"org\x001"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig("memory")
			mutate(cfg)
			srv := &Server{HomeDir: testHome(t), Config: cfg}
			assert.Error(t, srv.Init(false))
		})
	}
}

func TestServerStartStop(t *testing.T) {
	cfg := testConfig("memory", "org1", "org2")
	cfg.Operations.ListenAddress = "127.0.0.1:0"
	cfg.Revocation.Epoch.MaxRevocations = 2
	srv := &Server{HomeDir: testHome(t), Config: cfg}
	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())

	c := srv.Coordinator()
	for _, id := range []string{"alice", "bob"} {
		_, err := c.Revoke("org1", revocation.Identifier(id))
		require.NoError(t, err)
	}
	is, err := srv.Directory().Lookup("org1")
	require.NoError(t, err)
	// the count clock closes the epoch once two revocations are staged
	require.Eventually(t, func() bool { return is.Snapshot().Epoch == 1 }, 10*time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/issuers", srv.Operations().Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status []IssuerStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Len(t, status, 2)
	assert.Equal(t, "org1", status[0].Name)
	assert.Equal(t, 2, status[0].Count)
	assert.Equal(t, "org2", status[1].Name)
	assert.Equal(t, 0, status[1].Count)

	resp, err = http.Get(fmt.Sprintf("http://%s/healthz", srv.Operations().Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = c.Revoke("org2", revocation.Identifier("carol"))
	require.NoError(t, err)
	is2, err := srv.Directory().Lookup("org2")
	require.NoError(t, err)
	require.NoError(t, srv.Stop())
	// Stop commits what was staged
	assert.Equal(t, uint64(1), is2.Snapshot().Epoch)
	assert.Equal(t, 1, is2.Snapshot().Count)
	assert.Error(t, srv.Stop())
}

func TestServerBlockingStart(t *testing.T) {
	cfg := testConfig("memory", "org1")
	cfg.Operations.ListenAddress = "127.0.0.1:0"
	srv := &Server{HomeDir: testHome(t), Config: cfg, BlockingStart: true}
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()
	// Stop fails until Start has finished starting
	require.Eventually(t, func() bool { return srv.Stop() == nil }, 10*time.Second, 10*time.Millisecond)
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestUnmarshalConfig(t *testing.T) {
	home := testHome(t)
	file := filepath.Join(home, "revocation-server-config.yaml")
	yaml := `
loglevel: debug
issuers: [org1, org2]
store:
  type: leveldb
  leveldb:
    dir: db
    sync: true
revocation:
  securitybits: 3072
  witnesspolicy: trapdoor
  epoch:
    interval: 30s
    maxrevocations: 100
operations:
  listenaddress: 0.0.0.0:9443
  metrics:
    provider: statsd
    statsd:
      network: udp
      address: 127.0.0.1:8125
      writeinterval: 5s
`
	require.NoError(t, ioutil.WriteFile(file, []byte(yaml), 0644))

	cfg := &ServerConfig{}
	require.NoError(t, UnmarshalConfig(cfg, viper.New(), file))
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"org1", "org2"}, cfg.Issuers)
	assert.Equal(t, "leveldb", cfg.Store.Type)
	assert.Equal(t, "db", cfg.Store.LevelDB.Dir)
	assert.True(t, cfg.Store.LevelDB.Sync)
	assert.Equal(t, 3072, cfg.Revocation.SecurityBits)
	assert.Equal(t, "trapdoor", cfg.Revocation.WitnessPolicy)
	assert.Equal(t, "30s", cfg.Revocation.Epoch.Interval)
	assert.Equal(t, 100, cfg.Revocation.Epoch.MaxRevocations)
	assert.Equal(t, "0.0.0.0:9443", cfg.Operations.ListenAddress)
	require.NotNil(t, cfg.Operations.Metrics.Statsd)
	assert.Equal(t, 5*time.Second, cfg.Operations.Metrics.Statsd.WriteInterval)

	err := UnmarshalConfig(&ServerConfig{}, viper.New(), filepath.Join(home, "missing.yaml"))
	assert.Error(t, err)
}

func TestDecodeConfig(t *testing.T) {
	cfg := &ServerConfig{}
	err := DecodeConfig(map[string]interface{}{
		"issuers": "[org1, org2 ,org3]",
		"debug":   "true",
		"revocation": map[string]interface{}{
			"securitybits": "512",
		},
	}, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"org1", "org2", "org3"}, cfg.Issuers)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 512, cfg.Revocation.SecurityBits)
}
