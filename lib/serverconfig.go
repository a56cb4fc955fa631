/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package lib

import (
	"github.com/hyperledger/fabric-revocation/lib/revocation"
	"github.com/hyperledger/fabric-revocation/lib/server/operations"
	"github.com/hyperledger/fabric-revocation/lib/tls"
)

const (
	// DefaultOperationsAddress is the default listening address of the operations server
	DefaultOperationsAddress = "127.0.0.1:9443"
	// DefaultStoreType is the default revocation store
	DefaultStoreType = "sqlite3"
	// DefaultDatasource is the default sqlite3 database file, relative to the home directory
	DefaultDatasource = "revocation-server.db"
	// DefaultLevelDBDir is the default leveldb directory, relative to the home directory
	DefaultLevelDBDir = "leveldb"
	// DefaultParamsFile is the default group parameters file
	DefaultParamsFile = "params.pem"
	// DefaultTrapdoorFile is the default group trapdoor file
	DefaultTrapdoorFile = "params-trapdoor.pem"
	// DefaultAnchorLedger is the default public ledger
	DefaultAnchorLedger = "log"
)

// ServerConfig is the revocation server's config
type ServerConfig struct {
	Debug    bool   `opt:"d" help:"Enable debug level logging"`
	LogLevel string `def:"info" help:"Set logging level (info, warning, debug, error, fatal, critical)"`
	// Issuers are onboarded at startup unless already stored
	Issuers    []string `help:"A list of comma-separated issuer names to onboard at startup"`
	Params     ParamsConfig
	Store      StoreConfig
	Anchor     AnchorConfig
	Revocation revocation.Config
	Operations operations.Options `skip:"true"`
}

// ParamsConfig names the files holding the group parameters
type ParamsConfig struct {
	PublicFile   string `def:"params.pem" help:"PEM file holding the public group parameters"`
	TrapdoorFile string `def:"params-trapdoor.pem" help:"PEM file holding the group trapdoor, written only under the 'trapdoor' witness policy"`
}

// StoreConfig is the persistence part of the server's config
type StoreConfig struct {
	Type       string `def:"sqlite3" help:"Type of revocation store (sqlite3, postgres, mysql, leveldb or memory)"`
	Datasource string `help:"Data source of a sqlite3, postgres or mysql store"`
	TLS        tls.ClientTLSConfig
	LevelDB    LevelDBConfig
}

// LevelDBConfig configures the leveldb store
type LevelDBConfig struct {
	Dir  string `def:"leveldb" help:"Directory of the leveldb store"`
	Sync bool   `help:"Flush every leveldb write to disk before returning"`
}

// AnchorConfig selects where committed accumulator values are anchored
type AnchorConfig struct {
	Ledger string `def:"log" help:"Public ledger anchor records are submitted to ('log' or 'none')"`
}
