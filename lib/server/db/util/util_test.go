/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package util_test

import (
	"errors"

	"github.com/hyperledger/fabric-revocation/lib/server/db/util"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("util", func() {

	Context("GetDBName", func() {
		It("parses the datasource for mysql and returns only the database name", func() {
			datasource := "root:rootpw@tcp(localhost:3306)/revocation_db"

			dbName := util.GetDBName(datasource)
			Expect(dbName).To(Equal("revocation_db"))
		})

		It("parses the datasource for postgres and returns only the database name", func() {
			datasource := "host=localhost port=5432 user=root password=rootpw dbname=revocation"

			dbName := util.GetDBName(datasource)
			Expect(dbName).To(Equal("revocation"))
		})
	})

	Context("MaskDBCred", func() {
		It("masks the credentails in the datasource string for mysql", func() {
			datasource := "root:rootpw@tcp(localhost:3306)/revocation_db"

			masked := util.MaskDBCred(datasource)
			Expect(masked).To(Equal("****:****@tcp(localhost:3306)/revocation_db"))
		})

		It("masks the credentails in the datasource string for postgres", func() {
			datasource := "host=localhost port=5432 user=root password=rootpw dbname=revocation"

			masked := util.MaskDBCred(datasource)
			Expect(masked).To(Equal("host=localhost port=5432 user=**** password=**** dbname=revocation"))
		})
	})

	Context("IsUniqueViolation", func() {
		It("recognizes duplicate key errors of each driver", func() {
			Expect(util.IsUniqueViolation(errors.New("UNIQUE constraint failed: issuers.name"))).To(BeTrue())
			Expect(util.IsUniqueViolation(errors.New("pq: duplicate key value violates unique constraint"))).To(BeTrue())
			Expect(util.IsUniqueViolation(errors.New("Error 1062: Duplicate entry"))).To(BeTrue())
			Expect(util.IsUniqueViolation(errors.New("connection refused"))).To(BeFalse())
			Expect(util.IsUniqueViolation(nil)).To(BeFalse())
		})
	})
})
