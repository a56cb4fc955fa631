/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package postgres_test

import (
	"context"
	"database/sql"

	"github.com/hyperledger/fabric-revocation/lib/server/db"
	"github.com/hyperledger/fabric-revocation/lib/server/db/postgres"
	"github.com/hyperledger/fabric-revocation/lib/tls"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

// fakeDB records Exec calls and fails the one with index failAt
type fakeDB struct {
	db.RevocationDB
	queries []string
	failAt  int
	execErr error
	pingErr error
}

func (f *fakeDB) Exec(funcName, query string, args ...interface{}) (sql.Result, error) {
	defer func() { f.queries = append(f.queries, query) }()
	if len(f.queries) == f.failAt {
		return nil, f.execErr
	}
	return nil, nil
}

func (f *fakeDB) Rebind(query string) string { return query }

func (f *fakeDB) PingContext(ctx context.Context) error { return f.pingErr }

var _ = Describe("Postgres", func() {
	var (
		pg     *postgres.Postgres
		mockDB *fakeDB
	)

	BeforeEach(func() {
		tls := &tls.ClientTLSConfig{
			Enabled:   true,
			CertFiles: []string{"root.pem"},
		}
		pg = postgres.NewDB(
			"host=localhost port=5432 user=root password=rootpw dbname=revocation",
			"",
			tls,
			nil,
		)
		mockDB = &fakeDB{failAt: -1}
	})

	Context("open connection to database", func() {
		It("fails to connect if the contains incorrect syntax", func() {
			pg = postgres.NewDB(
				"hos) (t=localhost port=5432 user=root password=rootpw dbname=fabric-revocation",
				"",
				nil,
				nil,
			)
			err := pg.Connect()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).Should(Equal("Database name 'fabric-revocation' cannot contain any '-' or end with '.db'"))

			pg = postgres.NewDB(
				"host=localhost port=5432 user=root password=rootpw dbname=revocation.db",
				"",
				nil,
				nil,
			)
			err = pg.Connect()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).Should(Equal("Database name 'revocation.db' cannot contain any '-' or end with '.db'"))
		})

		It("fails to open database connection of root cert files missing from tls config", func() {
			pg.TLS.CertFiles = nil
			err := pg.Connect()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).Should(Equal("No trusted root certificates for TLS were provided"))
			Expect(pg.SqlxDB).To(BeNil())
		})

		It("has datasource with TLS connection parameters when TLS is enabled", func() {
			pg.TLS = &tls.ClientTLSConfig{
				Enabled:   true,
				CertFiles: []string{"root.pem"},
				Client: tls.KeyCertFiles{
					KeyFile:  "key.pem",
					CertFile: "cert.pem",
				},
			}
			pg.Connect()
			Expect(pg.Datasource()).To(
				ContainSubstring("sslrootcert=root.pem sslcert=cert.pem sslkey=key.pem"),
			)
		})

		It("does not have has datasource with TLS connection parameters when TLS is disabled", func() {
			pg.TLS = &tls.ClientTLSConfig{
				Enabled: false,
			}
			pg.Connect()
			Expect(pg.Datasource()).ToNot(ContainSubstring("sslrootcert"))
		})
	})

	Context("pinging database", func() {
		It("returns an error if unable to ping database", func() {
			mockDB.pingErr = errors.New("ping error")
			pg.SqlxDB = mockDB

			err := pg.PingContext(context.Background())
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(Equal("Failed to ping to Postgres database: ping error"))
		})

		It("returns no error if able to ping database", func() {
			pg.SqlxDB = mockDB

			err := pg.PingContext(context.Background())
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Context("creating tables", func() {
		tables := []string{
			"Error creating params table",
			"Error creating issuers table",
			"Error creating filters table",
			"Error creating primes table",
			"Error creating anchors table",
			"Error creating properties table",
		}
		for i, msg := range tables {
			i, msg := i, msg
			It("returns an error: "+msg, func() {
				mockDB.failAt = i
				mockDB.execErr = errors.New("unable to create table")
				pg.SqlxDB = mockDB
				err := pg.CreateTables()
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).Should(ContainSubstring("Failed to create Postgres tables: " + msg + ": unable to create table"))
			})
		}

		It("ignores a duplicate schema level row", func() {
			mockDB.failAt = 6
			mockDB.execErr = errors.New("pq: duplicate key value violates unique constraint \"properties_pkey\"")
			pg.SqlxDB = mockDB
			Expect(pg.CreateTables()).To(Succeed())
		})

		It("creates the revocation tables", func() {
			pg.SqlxDB = mockDB
			Expect(pg.CreateTables()).To(Succeed())
			Expect(mockDB.queries).To(HaveLen(7))
			Expect(mockDB.queries[6]).To(ContainSubstring("'schema.level', '1'"))
		})
	})

	Context("creating database", func() {
		It("returns an error if unable execute create database sql", func() {
			mockDB.failAt = 0
			mockDB.execErr = errors.New("error creating database")
			pg.SqlxDB = mockDB
			_, err := pg.CreateDatabase()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).Should(ContainSubstring("Failed to create Postgres database: Failed to execute create database query: error creating database"))
		})
	})
})
