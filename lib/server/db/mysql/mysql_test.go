/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mysql_test

import (
	"context"
	"database/sql"

	"github.com/hyperledger/fabric-revocation/lib/server/db"
	"github.com/hyperledger/fabric-revocation/lib/server/db/mysql"
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

var _ = Describe("Mysql", func() {
	var (
		my     *mysql.Mysql
		mockDB *fakeDB
	)

	BeforeEach(func() {
		my = mysql.NewDB(
			"root:rootpw@tcp(localhost:3306)/revocation_db",
			"",
			&tls.ClientTLSConfig{Enabled: true, CertFiles: []string{"root.pem"}},
			nil,
		)
		mockDB = &fakeDB{failAt: -1}
	})

	Context("open connection to database", func() {
		It("fails to open database connection of root cert files missing from tls config", func() {
			my.TLS.CertFiles = nil
			err := my.Connect()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).Should(
				ContainSubstring(
					"Failed to get client TLS for MySQL: No trusted root certificates for TLS were provided",
				),
			)
			Expect(my.SqlxDB).To(BeNil())
		})

		It("rejects a database name that cannot be used unquoted", func() {
			my = mysql.NewDB("root:rootpw@tcp(localhost:3306)/revocation-db", "", nil, nil)
			err := my.Connect()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(Equal("Invalid MySQL database name 'revocation-db'"))
		})

		It("fails to open database connection if unable to ping database", func() {
			my.TLS.Enabled = false
			err := my.Connect()
			Expect(err).To(HaveOccurred())
			Expect(my.SqlxDB).To(BeNil())
		})
	})

	Context("pinging database", func() {
		It("returns an error if unable to ping database", func() {
			mockDB.pingErr = errors.New("ping error")
			my.SqlxDB = mockDB

			err := my.PingContext(context.Background())
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(Equal("Failed to ping to MySQL database: ping error"))
		})

		It("returns no error if able to ping database", func() {
			my.SqlxDB = mockDB
			Expect(my.PingContext(context.Background())).To(Succeed())
		})
	})

	Context("creating database", func() {
		It("returns an error if unable execute create database sql", func() {
			mockDB.failAt = 0
			mockDB.execErr = errors.New("error creating database")
			my.SqlxDB = mockDB
			_, err := my.CreateDatabase()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).Should(ContainSubstring("Failed to create MySQL database: Failed to execute create database query: error creating database"))
		})

		It("creates the database", func() {
			my.SqlxDB = mockDB
			_, err := my.CreateDatabase()
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
				my.SqlxDB = mockDB
				err := my.CreateTables()
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).Should(ContainSubstring("Failed to create MySQL tables: " + msg + ": unable to create table"))
			})
		}

		It("returns an error if unable to insert the schema level", func() {
			mockDB.failAt = 6
			mockDB.execErr = errors.New("unable to insert default values")
			my.SqlxDB = mockDB
			err := my.CreateTables()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).Should(ContainSubstring("Failed to create MySQL tables: unable to insert default values"))
		})

		It("ignores a duplicate schema level row", func() {
			mockDB.failAt = 6
			mockDB.execErr = errors.New("Error 1062: Duplicate entry 'schema.level' for key 'PRIMARY'")
			my.SqlxDB = mockDB
			Expect(my.CreateTables()).To(Succeed())
		})
	})
})
