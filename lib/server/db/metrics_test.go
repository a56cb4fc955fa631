/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package db_test

import (
	"github.com/hyperledger/fabric-revocation/lib/server/db"
	"github.com/hyperledger/fabric/common/metrics/metricsfakes"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("metrics", func() {
	var (
		fakeAPICounter   *metricsfakes.Counter
		fakeAPIHistogram *metricsfakes.Histogram
		testDB           *db.DB
	)

	labels := func(funcName, api string) []string {
		return []string{"store_name", "testStore", "func_name", funcName, "dbapi_name", api}
	}

	BeforeEach(func() {
		fakeAPICounter = &metricsfakes.Counter{}
		fakeAPICounter.WithReturns(fakeAPICounter)

		fakeAPIHistogram = &metricsfakes.Histogram{}
		fakeAPIHistogram.WithReturns(fakeAPIHistogram)

		sqlxDB, err := sqlx.Connect("sqlite3", ":memory:")
		Expect(err).NotTo(HaveOccurred())
		testDB = db.New(sqlxDB, "testStore", &db.Metrics{
			APICounter:  fakeAPICounter,
			APIDuration: fakeAPIHistogram,
		})
		testDB.SetMaxOpenConns(1)
	})

	AfterEach(func() {
		testDB.Close()
	})

	Context("DB", func() {
		It("records metrics", func() {
			By("recording count and duration metrics for calls to Exec database API", func() {
				testDB.Exec("execFunc", "CREATE TABLE t (v INTEGER)")
				Expect(fakeAPICounter.AddCallCount()).To(Equal(1))
				Expect(fakeAPICounter.WithArgsForCall(0)).To(Equal(labels("execFunc", "Exec")))
				Expect(fakeAPIHistogram.ObserveCallCount()).To(Equal(1))
				Expect(fakeAPIHistogram.WithArgsForCall(0)).To(Equal(labels("execFunc", "Exec")))
			})

			By("recording calls to the Select database API", func() {
				var vs []int
				testDB.Select("selectFunc", &vs, "SELECT v FROM t")
				Expect(fakeAPICounter.AddCallCount()).To(Equal(2))
				Expect(fakeAPICounter.WithArgsForCall(1)).To(Equal(labels("selectFunc", "Select")))
			})

			By("recording calls to the NamedExec database API", func() {
				testDB.NamedExec("namedExecFunc", "INSERT INTO t (v) VALUES (:v)", map[string]interface{}{"v": 1})
				Expect(fakeAPICounter.AddCallCount()).To(Equal(3))
				Expect(fakeAPICounter.WithArgsForCall(2)).To(Equal(labels("namedExecFunc", "NamedExec")))
			})

			By("recording calls to the Get database API, even when they fail", func() {
				var v int
				testDB.Get("getFunc", &v, "SELECT v FROM missing")
				Expect(fakeAPICounter.AddCallCount()).To(Equal(4))
				Expect(fakeAPICounter.WithArgsForCall(3)).To(Equal(labels("getFunc", "Get")))
				Expect(fakeAPIHistogram.ObserveCallCount()).To(Equal(4))
			})

			By("recording calls to the Queryx database API", func() {
				rows, err := testDB.Queryx("queryxFunc", "SELECT v FROM t")
				Expect(err).NotTo(HaveOccurred())
				rows.Close()
				Expect(fakeAPICounter.AddCallCount()).To(Equal(5))
				Expect(fakeAPICounter.WithArgsForCall(4)).To(Equal(labels("queryxFunc", "Queryx")))
			})
		})
	})

	Context("TX", func() {
		It("records metrics", func() {
			tx := testDB.BeginTx()
			tx.Exec("execFunc", "CREATE TABLE t (v INTEGER)")
			Expect(fakeAPICounter.WithArgsForCall(0)).To(Equal(labels("execFunc", "Exec")))

			var vs []int
			tx.Select("selectFunc", &vs, "SELECT v FROM t")
			Expect(fakeAPICounter.WithArgsForCall(1)).To(Equal(labels("selectFunc", "Select")))

			var v int
			tx.Get("getFunc", &v, "SELECT COUNT(*) FROM t")
			Expect(fakeAPICounter.WithArgsForCall(2)).To(Equal(labels("getFunc", "Get")))

			tx.Commit("commitFunc")
			Expect(fakeAPICounter.WithArgsForCall(3)).To(Equal(labels("commitFunc", "Commit")))
			Expect(fakeAPICounter.AddCallCount()).To(Equal(4))
			Expect(fakeAPIHistogram.ObserveCallCount()).To(Equal(4))

			tx = testDB.BeginTx()
			tx.Rollback("rollbackFunc")
			Expect(fakeAPICounter.WithArgsForCall(4)).To(Equal(labels("rollbackFunc", "Rollback")))
		})
	})
})
