/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package db

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// SchemaLevel is the level of the revocation tables created by this version
const SchemaLevel = 1

// RevocationDB is the interface that wraps sqlx.DB for the revocation store
type RevocationDB interface {
	IsInitialized() bool
	SetDBInitialized(bool)
	// BeginTx has same behavior as MustBegin except it returns RevocationTx
	// instead of *sqlx.Tx
	BeginTx() RevocationTx
	DriverName() string

	Select(funcName string, dest interface{}, query string, args ...interface{}) error
	Exec(funcName, query string, args ...interface{}) (sql.Result, error)
	NamedExec(funcName, query string, arg interface{}) (sql.Result, error)
	Get(funcName string, dest interface{}, query string, args ...interface{}) error
	Queryx(funcName, query string, args ...interface{}) (*sqlx.Rows, error)
	Rebind(query string) string
	MustBegin() *sqlx.Tx
	Close() error
	SetMaxOpenConns(n int)
	PingContext(ctx context.Context) error
}

// SqlxDB is the interface with functions implemented by sqlx.DB
// object that are used by the revocation store
type SqlxDB interface {
	DriverName() string
	Select(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
	NamedExec(query string, arg interface{}) (sql.Result, error)
	Get(dest interface{}, query string, args ...interface{}) error
	Queryx(query string, args ...interface{}) (*sqlx.Rows, error)
	Rebind(query string) string
	MustBegin() *sqlx.Tx
	Close() error
	SetMaxOpenConns(n int)
	PingContext(ctx context.Context) error
}

// DB is an adapter for sqlx.DB and implements RevocationDB interface
type DB struct {
	DB SqlxDB
	// Indicates if database was successfully initialized
	IsDBInitialized bool
	StoreName       string
	Metrics         *Metrics
}

// New creates an instance of DB
func New(db SqlxDB, storeName string, metrics *Metrics) *DB {
	return &DB{
		DB:        db,
		StoreName: storeName,
		Metrics:   metrics,
	}
}

// IsInitialized returns true if db is intialized, else false
func (db *DB) IsInitialized() bool {
	return db.IsDBInitialized
}

// SetDBInitialized sets the value for Isdbinitialized
func (db *DB) SetDBInitialized(b bool) {
	db.IsDBInitialized = b
}

// BeginTx implements BeginTx method of RevocationDB interface
func (db *DB) BeginTx() RevocationTx {
	return &TX{
		TX:     db.DB.MustBegin(),
		Record: db,
	}
}

// Select performs select sql statement
func (db *DB) Select(funcName string, dest interface{}, query string, args ...interface{}) error {
	startTime := time.Now()
	err := db.DB.Select(dest, query, args...)
	db.recordMetric(startTime, funcName, "Select")
	return err
}

// Exec executes query
func (db *DB) Exec(funcName, query string, args ...interface{}) (sql.Result, error) {
	startTime := time.Now()
	res, err := db.DB.Exec(query, args...)
	db.recordMetric(startTime, funcName, "Exec")
	return res, err
}

// NamedExec executes query
func (db *DB) NamedExec(funcName, query string, args interface{}) (sql.Result, error) {
	startTime := time.Now()
	res, err := db.DB.NamedExec(query, args)
	db.recordMetric(startTime, funcName, "NamedExec")
	return res, err
}

// Get executes query
func (db *DB) Get(funcName string, dest interface{}, query string, args ...interface{}) error {
	startTime := time.Now()
	err := db.DB.Get(dest, query, args...)
	db.recordMetric(startTime, funcName, "Get")
	return err
}

// Queryx executes query
func (db *DB) Queryx(funcName, query string, args ...interface{}) (*sqlx.Rows, error) {
	startTime := time.Now()
	rows, err := db.DB.Queryx(query, args...)
	db.recordMetric(startTime, funcName, "Queryx")
	return rows, err
}

// MustBegin starts a transaction
func (db *DB) MustBegin() *sqlx.Tx {
	return db.DB.MustBegin()
}

// DriverName returns database driver name
func (db *DB) DriverName() string {
	return db.DB.DriverName()
}

// Rebind parses query to properly format query
func (db *DB) Rebind(query string) string {
	return db.DB.Rebind(query)
}

// Close closes db
func (db *DB) Close() error {
	return db.DB.Close()
}

// SetMaxOpenConns sets number of max open connections
func (db *DB) SetMaxOpenConns(n int) {
	db.DB.SetMaxOpenConns(n)
}

// PingContext pings the database
func (db *DB) PingContext(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

func (db *DB) recordMetric(startTime time.Time, funcName, dbapiName string) {
	if db.Metrics == nil {
		return
	}
	db.Metrics.APICounter.With("store_name", db.StoreName, "func_name", funcName, "dbapi_name", dbapiName).Add(1)
	db.Metrics.APIDuration.With("store_name", db.StoreName, "func_name", funcName, "dbapi_name", dbapiName).Observe(time.Since(startTime).Seconds())
}

// CurrentSchemaLevel returns the schema level recorded in the properties
// table, or 0 if none is recorded
func CurrentSchemaLevel(db RevocationDB) (int, error) {
	var value string
	err := db.Get("GetProperty", &value, db.Rebind("SELECT value FROM properties WHERE (property = ?)"), "schema.level")
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	level, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "Invalid schema level '%s' in properties table", value)
	}
	return level, nil
}
