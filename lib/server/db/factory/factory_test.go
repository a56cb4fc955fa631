/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package factory_test

import (
	"testing"

	"github.com/hyperledger/fabric-revocation/lib/server/db/factory"
	"github.com/hyperledger/fabric-revocation/lib/server/db/mysql"
	"github.com/hyperledger/fabric-revocation/lib/server/db/postgres"
	"github.com/hyperledger/fabric-revocation/lib/server/db/sqlite"
	. "github.com/onsi/gomega"
)

func TestNew(t *testing.T) {
	gt := NewGomegaWithT(t)

	db, err := factory.New("sqlite3", "revocation.db", "", nil, nil)
	gt.Expect(err).NotTo(HaveOccurred())
	gt.Expect(db).NotTo(BeNil())
	gt.Expect(db).To(Equal(sqlite.NewDB("revocation.db", "", nil)))

	db, err = factory.New("postgres", "revocation_postgres", "", nil, nil)
	gt.Expect(err).NotTo(HaveOccurred())
	gt.Expect(db).NotTo(BeNil())
	gt.Expect(db).To(Equal(postgres.NewDB("revocation_postgres", "", nil, nil)))

	db, err = factory.New("mysql", "revocation_mysql", "", nil, nil)
	gt.Expect(err).NotTo(HaveOccurred())
	gt.Expect(db).NotTo(BeNil())
	gt.Expect(db).To(Equal(mysql.NewDB("revocation_mysql", "", nil, nil)))

	_, err = factory.New("fake", "revocation_mysql", "", nil, nil)
	gt.Expect(err).To(HaveOccurred())
}
