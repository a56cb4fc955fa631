/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/hyperledger/fabric-revocation/lib/server/db"
	"github.com/hyperledger/fabric-revocation/lib/server/db/util"
	"github.com/hyperledger/fabric-revocation/lib/tls"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // import to support Postgres
	"github.com/pkg/errors"
)

var dbNameRegex = regexp.MustCompile(`(dbname=)([^\s]+)`)

// Postgres defines PostgreSQL database
type Postgres struct {
	SqlxDB    db.RevocationDB
	TLS       *tls.ClientTLSConfig
	StoreName string
	Metrics   *db.Metrics

	datasource string
	dbName     string
}

// NewDB create a PosgreSQL database
func NewDB(
	datasource,
	storeName string,
	clientTLSConfig *tls.ClientTLSConfig,
	metrics *db.Metrics,
) *Postgres {
	log.Debugf("Using postgres database, connecting to database...")
	return &Postgres{
		datasource: datasource,
		TLS:        clientTLSConfig,
		StoreName:  storeName,
		Metrics:    metrics,
	}
}

// Datasource returns the connection string, including any TLS parameters
// added by Connect
func (p *Postgres) Datasource() string {
	return p.datasource
}

// Connect connects to a PostgreSQL server
func (p *Postgres) Connect() error {
	clientTLSConfig := p.TLS

	p.dbName = util.GetDBName(p.datasource)
	dbName := p.dbName
	log.Debugf("Database Name: %s", dbName)

	if strings.Contains(dbName, "-") || strings.HasSuffix(dbName, ".db") {
		return errors.Errorf("Database name '%s' cannot contain any '-' or end with '.db'", dbName)
	}

	if clientTLSConfig != nil && clientTLSConfig.Enabled {
		if len(clientTLSConfig.CertFiles) == 0 {
			return errors.New("No trusted root certificates for TLS were provided")
		}

		root := clientTLSConfig.CertFiles[0]
		p.datasource = fmt.Sprintf("%s sslrootcert=%s", p.datasource, root)

		cert := clientTLSConfig.Client.CertFile
		key := clientTLSConfig.Client.KeyFile
		p.datasource = fmt.Sprintf("%s sslcert=%s sslkey=%s", p.datasource, cert, key)
	}

	dbNames := []string{dbName, "postgres", "template1"}
	var sqlxdb *sqlx.DB
	var err error

	for _, dbName := range dbNames {
		connStr := getConnStr(p.datasource, dbName)
		log.Debugf("Connecting to PostgreSQL server, using connection string: %s", util.MaskDBCred(connStr))

		sqlxdb, err = sqlx.Connect("postgres", connStr)
		if err == nil {
			break
		}
		log.Warningf("Failed to connect to database '%s'", dbName)
	}

	if err != nil {
		return errors.Errorf("Failed to connect to Postgres database. Postgres requires connecting to a specific database, the following databases were tried: %s. Please create one of these database before continuing", dbNames)
	}

	p.SqlxDB = db.New(sqlxdb, p.StoreName, p.Metrics)
	return nil
}

// PingContext pings the database
func (p *Postgres) PingContext(ctx context.Context) error {
	err := p.SqlxDB.PingContext(ctx)
	if err != nil {
		return errors.Wrap(err, "Failed to ping to Postgres database")
	}
	return nil
}

// Create creates database and tables
func (p *Postgres) Create() (*db.DB, error) {
	db, err := p.CreateDatabase()
	if err != nil {
		return nil, err
	}
	err = p.CreateTables()
	if err != nil {
		return nil, err
	}
	return db, nil
}

// CreateDatabase creates database
func (p *Postgres) CreateDatabase() (*db.DB, error) {
	dbName := p.dbName
	err := p.createDatabase()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create Postgres database")
	}

	log.Debugf("Connecting to database '%s', using connection string: '%s'", dbName, util.MaskDBCred(p.datasource))
	sqlxdb, err := sqlx.Open("postgres", p.datasource)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open database '%s' in Postgres server", dbName)
	}
	p.SqlxDB = db.New(sqlxdb, p.StoreName, p.Metrics)

	return p.SqlxDB.(*db.DB), nil
}

// CreateTables creates table
func (p *Postgres) CreateTables() error {
	err := p.createTables()
	if err != nil {
		return errors.Wrap(err, "Failed to create Postgres tables")
	}
	return nil
}

func (p *Postgres) createDatabase() error {
	dbName := p.dbName
	log.Debugf("Creating Postgres Database (%s) if it does not exist...", dbName)

	query := "CREATE DATABASE " + dbName
	_, err := p.SqlxDB.Exec("CreateDatabase", query)
	if err != nil {
		if !strings.Contains(err.Error(), fmt.Sprintf("database \"%s\" already exists", dbName)) {
			return errors.Wrap(err, "Failed to execute create database query")
		}
	}

	return nil
}

func (p *Postgres) createTables() error {
	db := p.SqlxDB
	log.Debug("Creating params table if it does not exist")
	if _, err := db.Exec("CreateParamsTable", "CREATE TABLE IF NOT EXISTS params (id INTEGER NOT NULL, modulus bytea NOT NULL, generator bytea NOT NULL, PRIMARY KEY(id))"); err != nil {
		return errors.Wrap(err, "Error creating params table")
	}
	log.Debug("Creating issuers table if it does not exist")
	if _, err := db.Exec("CreateIssuersTable", "CREATE TABLE IF NOT EXISTS issuers (name VARCHAR(255) NOT NULL, epoch BIGINT NOT NULL, value bytea NOT NULL, member_count BIGINT DEFAULT 0, anchor_head bytea, PRIMARY KEY(name))"); err != nil {
		return errors.Wrap(err, "Error creating issuers table")
	}
	log.Debug("Creating filters table if it does not exist")
	if _, err := db.Exec("CreateFiltersTable", "CREATE TABLE IF NOT EXISTS filters (issuer VARCHAR(255) NOT NULL, m_bits BIGINT, k INTEGER, capacity BIGINT, fp_rate DOUBLE PRECISION, salt bytea, inserted BIGINT, generation BIGINT, bits bytea, PRIMARY KEY(issuer))"); err != nil {
		return errors.Wrap(err, "Error creating filters table")
	}
	log.Debug("Creating primes table if it does not exist")
	if _, err := db.Exec("CreatePrimesTable", "CREATE TABLE IF NOT EXISTS primes (issuer VARCHAR(255) NOT NULL, seq BIGINT NOT NULL, prime bytea NOT NULL, epoch BIGINT, PRIMARY KEY(issuer, seq))"); err != nil {
		return errors.Wrap(err, "Error creating primes table")
	}
	log.Debug("Creating anchors table if it does not exist")
	if _, err := db.Exec("CreateAnchorsTable", "CREATE TABLE IF NOT EXISTS anchors (id VARCHAR(36) NOT NULL, issuer VARCHAR(255) NOT NULL, epoch BIGINT, record bytea NOT NULL, submitted INTEGER DEFAULT 0, PRIMARY KEY(id))"); err != nil {
		return errors.Wrap(err, "Error creating anchors table")
	}
	log.Debug("Creating properties table if it does not exist")
	if _, err := db.Exec("CreatePropertiesTable", "CREATE TABLE IF NOT EXISTS properties (property VARCHAR(255), value VARCHAR(256), PRIMARY KEY(property))"); err != nil {
		return errors.Wrap(err, "Error creating properties table")
	}
	_, err := db.Exec("CreatePropertiesTable", db.Rebind(fmt.Sprintf("INSERT INTO properties (property, value) VALUES ('schema.level', '%d')", dbSchemaLevel)))
	if err != nil && !util.IsUniqueViolation(err) {
		return err
	}
	return nil
}

const dbSchemaLevel = db.SchemaLevel

// GetConnStr gets connection string without database
func getConnStr(datasource string, dbname string) string {
	return dbNameRegex.ReplaceAllString(datasource, fmt.Sprintf("dbname=%s", dbname))
}
