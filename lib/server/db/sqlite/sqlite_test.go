/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/hyperledger/fabric-revocation/lib/server/db"
	"github.com/hyperledger/fabric-revocation/lib/server/db/sqlite"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// failingTx fails the Exec call with index failAt
type failingTx struct {
	calls      int
	failAt     int
	rolledBack bool
	committed  bool
}

func (f *failingTx) Exec(funcName, query string, args ...interface{}) (sql.Result, error) {
	defer func() { f.calls++ }()
	if f.calls == f.failAt {
		return nil, errors.New("creating error")
	}
	return nil, nil
}

func (f *failingTx) Rebind(query string) string { return query }

func (f *failingTx) Rollback(funcName string) error {
	f.rolledBack = true
	return nil
}

func (f *failingTx) Commit(funcName string) error {
	f.committed = true
	return nil
}

var _ = Describe("Sqlite", func() {
	var (
		dir    string
		dbPath string
		sq     *sqlite.Sqlite
	)

	BeforeEach(func() {
		var err error
		dir, err = ioutil.TempDir("", "sqlite")
		Expect(err).NotTo(HaveOccurred())
		dbPath = filepath.Join(dir, "revocation.db")
		sq = sqlite.NewDB(dbPath, "", nil)
	})

	AfterEach(func() {
		if sq.SqlxDB != nil {
			sq.SqlxDB.Close()
		}
		os.RemoveAll(dir)
	})

	It("connect to database", func() {
		err := sq.Connect()
		Expect(err).NotTo(HaveOccurred())
		Expect(sq.PingContext(context.Background())).To(Succeed())
	})

	It("creates the revocation tables and records the schema level", func() {
		err := sq.Connect()
		Expect(err).NotTo(HaveOccurred())
		sqlxDB, err := sq.Create()
		Expect(err).NotTo(HaveOccurred())

		for _, table := range []string{"params", "issuers", "filters", "primes", "anchors", "properties"} {
			var n int
			err = sqlxDB.Get("CountTable", &n, "SELECT COUNT(*) FROM "+table)
			Expect(err).NotTo(HaveOccurred(), table)
		}

		level, err := db.CurrentSchemaLevel(sqlxDB)
		Expect(err).NotTo(HaveOccurred())
		Expect(level).To(Equal(db.SchemaLevel))
	})

	It("tolerates creating the tables twice", func() {
		Expect(sq.Connect()).To(Succeed())
		_, err := sq.Create()
		Expect(err).NotTo(HaveOccurred())
		_, err = sq.Create()
		Expect(err).NotTo(HaveOccurred())
	})

	Context("creating tables", func() {
		BeforeEach(func() {
			Expect(sq.Connect()).To(Succeed())
		})

		tables := []string{
			"Error creating params table",
			"Error creating issuers table",
			"Error creating filters table",
			"Error creating primes table",
			"Error creating anchors table",
			"Error creating properties table",
			"Failed to initialize properties table",
		}
		for i, msg := range tables {
			i, msg := i, msg
			It("rolls back and returns an error: "+msg, func() {
				tx := &failingTx{failAt: i}
				sq.CreateTx = tx
				err := sq.CreateTables()
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring(msg + ": creating error"))
				Expect(tx.rolledBack).To(BeTrue())
				Expect(tx.committed).To(BeFalse())
			})
		}

		It("commits when every statement succeeds", func() {
			tx := &failingTx{failAt: -1}
			sq.CreateTx = tx
			Expect(sq.CreateTables()).To(Succeed())
			Expect(tx.committed).To(BeTrue())
		})
	})
})
