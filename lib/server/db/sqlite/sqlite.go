/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cloudflare/cfssl/log"
	"github.com/hyperledger/fabric-revocation/lib/server/db"
	"github.com/hyperledger/fabric-revocation/lib/server/db/util"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "github.com/mattn/go-sqlite3" // import to support SQLite3
)

// Create is interface that defines functions need to create database transaction
type Create interface {
	Exec(funcName, query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
	Rollback(funcName string) error
	Commit(funcName string) error
}

// Sqlite defines SQLite database
type Sqlite struct {
	SqlxDB    db.RevocationDB
	CreateTx  Create
	StoreName string
	Metrics   *db.Metrics

	datasource string
}

// NewDB creates a SQLite database
func NewDB(datasource, storeName string, metrics *db.Metrics) *Sqlite {
	log.Debugf("Using sqlite database, connect to database in home (%s) directory", datasource)
	return &Sqlite{
		datasource: datasource,
		StoreName:  storeName,
		Metrics:    metrics,
	}
}

// Connect connects to a SQLite database
func (s *Sqlite) Connect() error {
	log.Debugf("Creating SQLite database (%s) if it does not exist...", s.datasource)
	sqlxDB, err := sqlx.Connect("sqlite3", s.datasource+"?_busy_timeout=5000")
	if err != nil {
		return errors.Wrap(err, "Failed to open sqlite3 DB")
	}
	s.SqlxDB = db.New(sqlxDB, s.StoreName, s.Metrics)
	return nil
}

// PingContext pings the database
func (s *Sqlite) PingContext(ctx context.Context) error {
	err := s.SqlxDB.PingContext(ctx)
	if err != nil {
		return errors.Wrap(err, "Failed to ping to SQLite database")
	}
	return nil
}

// Create creates database and tables
func (s *Sqlite) Create() (*db.DB, error) {
	s.CreateTx = s.SqlxDB.BeginTx()
	err := s.CreateTables()
	if err != nil {
		return nil, err
	}
	return s.SqlxDB.(*db.DB), nil
}

// CreateTables creates table
func (s *Sqlite) CreateTables() error {
	err := s.doTransaction("CreateTable", createAllSQLiteTables)
	if err != nil {
		return err
	}

	// Set maximum open connections to one. This is to share one connection
	// across multiple go routines. This will serialize database operations
	// with in a single server there by preventing "database is locked"
	// error under load. For more info refer to
	// https://github.com/mattn/go-sqlite3/issues/274
	log.Debug("Successfully opened sqlite3 DB")
	s.SqlxDB.SetMaxOpenConns(1)

	return nil
}

func createAllSQLiteTables(tx Create, args ...interface{}) error {
	err := createParamsTable(tx)
	if err != nil {
		return err
	}
	err = createIssuersTable(tx)
	if err != nil {
		return err
	}
	err = createFiltersTable(tx)
	if err != nil {
		return err
	}
	err = createPrimesTable(tx)
	if err != nil {
		return err
	}
	err = createAnchorsTable(tx)
	if err != nil {
		return err
	}
	err = createPropertiesTable(tx)
	if err != nil {
		return err
	}
	return nil
}

func createParamsTable(tx Create) error {
	log.Debug("Creating params table if it does not exist")
	if _, err := tx.Exec("CreateParamsTable", "CREATE TABLE IF NOT EXISTS params (id INTEGER NOT NULL, modulus blob NOT NULL, generator blob NOT NULL, PRIMARY KEY(id))"); err != nil {
		return errors.Wrap(err, "Error creating params table")
	}
	return nil
}

func createIssuersTable(tx Create) error {
	log.Debug("Creating issuers table if it does not exist")
	if _, err := tx.Exec("CreateIssuersTable", "CREATE TABLE IF NOT EXISTS issuers (name VARCHAR(255) NOT NULL, epoch INTEGER NOT NULL, value blob NOT NULL, member_count INTEGER DEFAULT 0, anchor_head blob, PRIMARY KEY(name))"); err != nil {
		return errors.Wrap(err, "Error creating issuers table")
	}
	return nil
}

func createFiltersTable(tx Create) error {
	log.Debug("Creating filters table if it does not exist")
	if _, err := tx.Exec("CreateFiltersTable", "CREATE TABLE IF NOT EXISTS filters (issuer VARCHAR(255) NOT NULL, m_bits INTEGER, k INTEGER, capacity INTEGER, fp_rate REAL, salt blob, inserted INTEGER, generation INTEGER, bits blob, PRIMARY KEY(issuer))"); err != nil {
		return errors.Wrap(err, "Error creating filters table")
	}
	return nil
}

func createPrimesTable(tx Create) error {
	log.Debug("Creating primes table if it does not exist")
	if _, err := tx.Exec("CreatePrimesTable", "CREATE TABLE IF NOT EXISTS primes (issuer VARCHAR(255) NOT NULL, seq INTEGER NOT NULL, prime blob NOT NULL, epoch INTEGER, PRIMARY KEY(issuer, seq))"); err != nil {
		return errors.Wrap(err, "Error creating primes table")
	}
	return nil
}

func createAnchorsTable(tx Create) error {
	log.Debug("Creating anchors table if it does not exist")
	if _, err := tx.Exec("CreateAnchorsTable", "CREATE TABLE IF NOT EXISTS anchors (id VARCHAR(36) NOT NULL, issuer VARCHAR(255) NOT NULL, epoch INTEGER, record blob NOT NULL, submitted INTEGER DEFAULT 0, PRIMARY KEY(id))"); err != nil {
		return errors.Wrap(err, "Error creating anchors table")
	}
	return nil
}

func createPropertiesTable(tx Create) error {
	log.Debug("Creating properties table if it does not exist")
	_, err := tx.Exec("CreatePropertiesTable", "CREATE TABLE IF NOT EXISTS properties (property VARCHAR(255), value VARCHAR(256), PRIMARY KEY(property))")
	if err != nil {
		return errors.Wrap(err, "Error creating properties table")
	}
	_, err = tx.Exec("CreatePropertiesTable", tx.Rebind(fmt.Sprintf("INSERT INTO properties (property, value) VALUES ('schema.level', '%d')", db.SchemaLevel)))
	if err != nil && !util.IsUniqueViolation(err) {
		return errors.Wrap(err, "Failed to initialize properties table")
	}
	return nil
}

func (s *Sqlite) doTransaction(funcName string, doit func(tx Create, args ...interface{}) error, args ...interface{}) error {
	tx := s.CreateTx
	err := doit(tx, args...)
	if err != nil {
		err2 := tx.Rollback(funcName)
		if err2 != nil {
			log.Errorf("Error encountered while rolling back transaction: %s", err2)
			return err
		}
		return err
	}

	err = tx.Commit(funcName)
	if err != nil {
		return errors.Wrap(err, "Error encountered while committing transaction")
	}
	return nil
}
