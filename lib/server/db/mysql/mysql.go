/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mysql

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/go-sql-driver/mysql"
	"github.com/hyperledger/fabric-revocation/lib/server/db"
	"github.com/hyperledger/fabric-revocation/lib/server/db/util"
	"github.com/hyperledger/fabric-revocation/lib/tls"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var (
	re = regexp.MustCompile(`\/([0-9,a-z,A-Z$_]+)`)
)

// Mysql defines MySQL database
type Mysql struct {
	SqlxDB    db.RevocationDB
	TLS       *tls.ClientTLSConfig
	StoreName string
	Metrics   *db.Metrics

	datasource string
	dbName     string
}

// NewDB create a MySQL database
func NewDB(
	datasource,
	storeName string,
	clientTLSConfig *tls.ClientTLSConfig,
	metrics *db.Metrics,
) *Mysql {
	log.Debugf("Using MySQL database, connecting to database...")
	return &Mysql{
		TLS:        clientTLSConfig,
		datasource: datasource,
		StoreName:  storeName,
		Metrics:    metrics,
	}
}

// Connect connects to a MySQL server
func (m *Mysql) Connect() error {
	datasource := m.datasource
	clientTLSConfig := m.TLS

	m.dbName = util.GetDBName(datasource)
	log.Debugf("Database Name: %s", m.dbName)
	if !dbNameIsValid(m.dbName) {
		return errors.Errorf("Invalid MySQL database name '%s'", m.dbName)
	}

	connStr := re.ReplaceAllString(datasource, "/")

	if clientTLSConfig != nil && clientTLSConfig.Enabled {
		tlsConfig, err := tls.GetClientTLSConfig(clientTLSConfig)
		if err != nil {
			return errors.WithMessage(err, "Failed to get client TLS for MySQL")
		}

		err = mysql.RegisterTLSConfig("custom", tlsConfig)
		if err != nil {
			return errors.Wrap(err, "Failed to register TLS configuration for MySQL")
		}
	}

	log.Debugf("Connecting to MySQL server, using connection string: %s", util.MaskDBCred(connStr))
	sqlxdb, err := sqlx.Connect("mysql", connStr)
	if err != nil {
		return errors.Wrap(err, "Failed to connect to MySQL database")
	}

	m.SqlxDB = db.New(sqlxdb, m.StoreName, m.Metrics)
	return nil
}

// PingContext pings the database
func (m *Mysql) PingContext(ctx context.Context) error {
	err := m.SqlxDB.PingContext(ctx)
	if err != nil {
		return errors.Wrap(err, "Failed to ping to MySQL database")
	}
	return nil
}

// Create creates database and tables
func (m *Mysql) Create() (*db.DB, error) {
	db, err := m.CreateDatabase()
	if err != nil {
		return nil, err
	}
	err = m.CreateTables()
	if err != nil {
		return nil, err
	}
	return db, nil
}

// CreateDatabase creates database
func (m *Mysql) CreateDatabase() (*db.DB, error) {
	datasource := m.datasource
	dbName := m.dbName
	err := m.createDatabase()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create MySQL database")
	}

	log.Debugf("Connecting to database '%s', using connection string: '%s'", dbName, util.MaskDBCred(datasource))
	sqlxdb, err := sqlx.Open("mysql", datasource)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open database (%s) in MySQL server", dbName)
	}

	m.SqlxDB = db.New(sqlxdb, m.StoreName, m.Metrics)

	return m.SqlxDB.(*db.DB), nil
}

// CreateTables creates table
func (m *Mysql) CreateTables() error {
	err := m.createTables()
	if err != nil {
		return errors.Wrap(err, "Failed to create MySQL tables")
	}
	return nil
}

func (m *Mysql) createDatabase() error {
	dbName := m.dbName
	log.Debugf("Creating MySQL Database (%s) if it does not exist...", dbName)

	_, err := m.SqlxDB.Exec("CreateDatabase", "CREATE DATABASE IF NOT EXISTS "+dbName)
	if err != nil {
		return errors.Wrap(err, "Failed to execute create database query")
	}

	return nil
}

func (m *Mysql) createTables() error {
	sqlxDB := m.SqlxDB
	log.Debug("Creating params table if it doesn't exist")
	if _, err := sqlxDB.Exec("CreateParamsTable", "CREATE TABLE IF NOT EXISTS params (id INTEGER NOT NULL, modulus varbinary(1024) NOT NULL, generator varbinary(1024) NOT NULL, PRIMARY KEY(id)) DEFAULT CHARSET=utf8 COLLATE utf8_bin"); err != nil {
		return errors.Wrap(err, "Error creating params table")
	}
	log.Debug("Creating issuers table if it doesn't exist")
	if _, err := sqlxDB.Exec("CreateIssuersTable", "CREATE TABLE IF NOT EXISTS issuers (name VARCHAR(255) NOT NULL, epoch BIGINT NOT NULL, value varbinary(1024) NOT NULL, member_count BIGINT DEFAULT 0, anchor_head varbinary(64), PRIMARY KEY(name)) DEFAULT CHARSET=utf8 COLLATE utf8_bin"); err != nil {
		return errors.Wrap(err, "Error creating issuers table")
	}
	log.Debug("Creating filters table if it doesn't exist")
	if _, err := sqlxDB.Exec("CreateFiltersTable", "CREATE TABLE IF NOT EXISTS filters (issuer VARCHAR(255) NOT NULL, m_bits BIGINT, k INTEGER, capacity BIGINT, fp_rate DOUBLE, salt varbinary(64), inserted BIGINT, generation BIGINT, bits LONGBLOB, PRIMARY KEY(issuer)) DEFAULT CHARSET=utf8 COLLATE utf8_bin"); err != nil {
		return errors.Wrap(err, "Error creating filters table")
	}
	log.Debug("Creating primes table if it doesn't exist")
	if _, err := sqlxDB.Exec("CreatePrimesTable", "CREATE TABLE IF NOT EXISTS primes (issuer VARCHAR(255) NOT NULL, seq BIGINT NOT NULL, prime varbinary(512) NOT NULL, epoch BIGINT, PRIMARY KEY(issuer, seq)) DEFAULT CHARSET=utf8 COLLATE utf8_bin"); err != nil {
		return errors.Wrap(err, "Error creating primes table")
	}
	log.Debug("Creating anchors table if it doesn't exist")
	if _, err := sqlxDB.Exec("CreateAnchorsTable", "CREATE TABLE IF NOT EXISTS anchors (id VARCHAR(36) NOT NULL, issuer VARCHAR(255) NOT NULL, epoch BIGINT, record BLOB NOT NULL, submitted INTEGER DEFAULT 0, PRIMARY KEY(id)) DEFAULT CHARSET=utf8 COLLATE utf8_bin"); err != nil {
		return errors.Wrap(err, "Error creating anchors table")
	}
	log.Debug("Creating properties table if it does not exist")
	if _, err := sqlxDB.Exec("CreatePropertiesTable", "CREATE TABLE IF NOT EXISTS properties (property VARCHAR(255), value VARCHAR(256), PRIMARY KEY(property)) DEFAULT CHARSET=utf8 COLLATE utf8_bin"); err != nil {
		return errors.Wrap(err, "Error creating properties table")
	}
	_, err := sqlxDB.Exec("CreatePropertiesTable", sqlxDB.Rebind(fmt.Sprintf("INSERT INTO properties (property, value) VALUES ('schema.level', '%d')", db.SchemaLevel)))
	if err != nil && !util.IsUniqueViolation(err) {
		return err
	}
	return nil
}

// dbNameIsValid reports whether name can be used unquoted in CREATE DATABASE
func dbNameIsValid(name string) bool {
	return name != "" && !strings.ContainsAny(name, "-. ")
}
