/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package sqlstore persists revocation state in the tables created by the
// lib/server/db drivers
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/cloudflare/cfssl/log"
	"github.com/google/uuid"
	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/hyperledger/fabric-revocation/lib/anchor"
	"github.com/hyperledger/fabric-revocation/lib/filter"
	"github.com/hyperledger/fabric-revocation/lib/server/db"
	"github.com/hyperledger/fabric-revocation/lib/store"
	"github.com/kisielk/sqlstruct"
	"github.com/pkg/errors"
)

const (
	paramsID = 1

	selectParamsSQL = `
SELECT %s FROM params
	WHERE (id = ?);`

	insertParamsSQL = `
INSERT INTO params (id, modulus, generator)
	VALUES (:id, :modulus, :generator);`

	selectIssuerSQL = `
SELECT %s FROM issuers
	WHERE (name = ?);`

	insertIssuerSQL = `
INSERT INTO issuers (name, epoch, value, member_count, anchor_head)
	VALUES (:name, :epoch, :value, :member_count, :anchor_head);`

	updateIssuerSQL = `
UPDATE issuers
	SET epoch = ?, value = ?, member_count = ?, anchor_head = ?
	WHERE (name = ? AND epoch = ?);`

	selectFilterSQL = `
SELECT %s FROM filters
	WHERE (issuer = ?);`

	insertFilterSQL = `
INSERT INTO filters (issuer, m_bits, k, capacity, fp_rate, salt, inserted, generation, bits)
	VALUES (:issuer, :m_bits, :k, :capacity, :fp_rate, :salt, :inserted, :generation, :bits);`

	selectPrimesSQL = `
SELECT %s FROM primes
	WHERE (issuer = ?)
	ORDER BY seq;`

	insertPrimeSQL = `
INSERT INTO primes (issuer, seq, prime, epoch)
	VALUES (:issuer, :seq, :prime, :epoch);`

	insertAnchorSQL = `
INSERT INTO anchors (id, issuer, epoch, record, submitted)
	VALUES (:id, :issuer, :epoch, :record, :submitted);`

	selectUnsubmittedSQL = `
SELECT %s FROM anchors
	WHERE (submitted = 0)
	ORDER BY issuer, epoch;`

	markSubmittedSQL = `
UPDATE anchors SET submitted = 1
	WHERE (id = ?);`
)

func init() {
	sqlstruct.TagName = "db"
}

// ParamsRecord is a row of the params table
type ParamsRecord struct {
	ID        int    `db:"id"`
	Modulus   []byte `db:"modulus"`
	Generator []byte `db:"generator"`
}

// IssuerRecord is a row of the issuers table
type IssuerRecord struct {
	Name        string `db:"name"`
	Epoch       int64  `db:"epoch"`
	Value       []byte `db:"value"`
	MemberCount int64  `db:"member_count"`
	AnchorHead  []byte `db:"anchor_head"`
}

// FilterRecord is a row of the filters table
type FilterRecord struct {
	Issuer     string  `db:"issuer"`
	MBits      int64   `db:"m_bits"`
	K          int64   `db:"k"`
	Capacity   int64   `db:"capacity"`
	FPRate     float64 `db:"fp_rate"`
	Salt       []byte  `db:"salt"`
	Inserted   int64   `db:"inserted"`
	Generation int64   `db:"generation"`
	Bits       []byte  `db:"bits"`
}

// PrimeRecord is a row of the primes table
type PrimeRecord struct {
	Issuer string `db:"issuer"`
	Seq    int64  `db:"seq"`
	Prime  []byte `db:"prime"`
	Epoch  int64  `db:"epoch"`
}

// AnchorRecord is a row of the anchors table
type AnchorRecord struct {
	ID        string `db:"id"`
	Issuer    string `db:"issuer"`
	Epoch     int64  `db:"epoch"`
	Record    []byte `db:"record"`
	Submitted int    `db:"submitted"`
}

// Store implements store.Store over a RevocationDB
type Store struct {
	db db.RevocationDB
}

// New returns a store over database, whose tables must already exist at
// the current schema level
func New(database db.RevocationDB) (*Store, error) {
	level, err := db.CurrentSchemaLevel(database)
	if err != nil {
		return nil, errors.WithMessage(err, "Failed to read the schema level of the revocation database")
	}
	if level != db.SchemaLevel {
		return nil, errors.Errorf("Revocation database is at schema level %d, expected %d", level, db.SchemaLevel)
	}
	database.SetDBInitialized(true)
	return &Store{db: database}, nil
}

// DB returns the underlying database
func (s *Store) DB() db.RevocationDB {
	return s.db
}

// GetParams returns the public group parameters
func (s *Store) GetParams(ctx context.Context) (*accumulator.GroupParameters, error) {
	var rec ParamsRecord
	err := s.db.Get("GetParams", &rec, fmt.Sprintf(s.db.Rebind(selectParamsSQL), sqlstruct.Columns(ParamsRecord{})), paramsID)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(store.ErrNotFound, "Group parameters")
	}
	if err != nil {
		return nil, errors.Wrap(err, "Failed to get group parameters")
	}
	gp := &accumulator.GroupParameters{
		Modulus:   new(big.Int).SetBytes(rec.Modulus),
		Generator: new(big.Int).SetBytes(rec.Generator),
	}
	if err := gp.Validate(); err != nil {
		return nil, errors.WithMessage(err, "Stored group parameters are invalid")
	}
	return gp, nil
}

// PutParams stores the public part of gp, replacing any earlier parameters
func (s *Store) PutParams(ctx context.Context, gp *accumulator.GroupParameters) error {
	rec := &ParamsRecord{
		ID:        paramsID,
		Modulus:   gp.Modulus.Bytes(),
		Generator: gp.Generator.Bytes(),
	}
	_, err := doTransaction("PutParams", s.db, func(tx db.RevocationTx, args ...interface{}) (interface{}, error) {
		if _, err := tx.Exec("PutParams", tx.Rebind("DELETE FROM params WHERE (id = ?)"), paramsID); err != nil {
			return nil, err
		}
		return tx.NamedExec("PutParams", insertParamsSQL, rec)
	})
	if err != nil {
		return errors.WithMessage(err, "Failed to store group parameters")
	}
	return nil
}

// Issuers returns the stored issuer names
func (s *Store) Issuers(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.Select("Issuers", &names, "SELECT name FROM issuers ORDER BY name")
	if err != nil {
		return nil, errors.Wrap(err, "Failed to list issuers")
	}
	return names, nil
}

// LoadIssuer reads the issuer, its filter and its history in one transaction
func (s *Store) LoadIssuer(ctx context.Context, issuer string) (*store.IssuerState, error) {
	result, err := doTransaction("LoadIssuer", s.db, func(tx db.RevocationTx, args ...interface{}) (interface{}, error) {
		return loadIssuer(tx, issuer)
	})
	if err != nil {
		return nil, err
	}
	return result.(*store.IssuerState), nil
}

func loadIssuer(tx db.RevocationTx, issuer string) (*store.IssuerState, error) {
	rec, err := getIssuer(tx, issuer)
	if err != nil {
		return nil, err
	}
	st := &store.IssuerState{
		Name: rec.Name,
		Snapshot: &accumulator.Snapshot{
			Issuer: rec.Name,
			Epoch:  uint64(rec.Epoch),
			Value:  new(big.Int).SetBytes(rec.Value),
			Count:  int(rec.MemberCount),
		},
		AnchorHead: rec.AnchorHead,
	}

	var frs []FilterRecord
	err = tx.Select("LoadIssuer", &frs, fmt.Sprintf(tx.Rebind(selectFilterSQL), sqlstruct.Columns(FilterRecord{})), issuer)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to get filter of issuer '%s'", issuer)
	}
	if len(frs) > 0 {
		st.Filter = frs[0].state()
	}

	var prs []PrimeRecord
	err = tx.Select("LoadIssuer", &prs, fmt.Sprintf(tx.Rebind(selectPrimesSQL), sqlstruct.Columns(PrimeRecord{})), issuer)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to get primes of issuer '%s'", issuer)
	}
	st.History = make([]*big.Int, len(prs))
	for i, pr := range prs {
		st.History[i] = new(big.Int).SetBytes(pr.Prime)
	}
	return st, nil
}

func getIssuer(tx db.RevocationTx, issuer string) (*IssuerRecord, error) {
	var rec IssuerRecord
	err := tx.Get("GetIssuer", &rec, fmt.Sprintf(tx.Rebind(selectIssuerSQL), sqlstruct.Columns(IssuerRecord{})), issuer)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(store.ErrNotFound, "Issuer '%s'", issuer)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to get issuer '%s'", issuer)
	}
	return &rec, nil
}

// PutIssuer replaces every row of the issuer with state
func (s *Store) PutIssuer(ctx context.Context, state *store.IssuerState) error {
	_, err := doTransaction("PutIssuer", s.db, func(tx db.RevocationTx, args ...interface{}) (interface{}, error) {
		if err := deleteIssuer(tx, state.Name, false); err != nil {
			return nil, err
		}
		rec := &IssuerRecord{
			Name:        state.Name,
			Epoch:       int64(state.Snapshot.Epoch),
			Value:       state.Snapshot.Value.Bytes(),
			MemberCount: int64(state.Snapshot.Count),
			AnchorHead:  state.AnchorHead,
		}
		if _, err := tx.NamedExec("PutIssuer", insertIssuerSQL, rec); err != nil {
			return nil, errors.Wrapf(err, "Failed to insert issuer '%s'", state.Name)
		}
		if state.Filter != nil {
			if err := putFilter(tx, state.Name, state.Filter); err != nil {
				return nil, err
			}
		}
		return nil, insertPrimes(tx, state.Name, 0, state.Snapshot.Epoch, state.History)
	})
	if err != nil {
		return errors.WithMessagef(err, "Failed to store issuer '%s'", state.Name)
	}
	return nil
}

// PutFilter replaces the filter of an existing issuer
func (s *Store) PutFilter(ctx context.Context, issuer string, state *filter.State) error {
	_, err := doTransaction("PutFilter", s.db, func(tx db.RevocationTx, args ...interface{}) (interface{}, error) {
		if _, err := getIssuer(tx, issuer); err != nil {
			return nil, err
		}
		return nil, putFilter(tx, issuer, state)
	})
	return err
}

func putFilter(tx db.RevocationTx, issuer string, state *filter.State) error {
	if _, err := tx.Exec("PutFilter", tx.Rebind("DELETE FROM filters WHERE (issuer = ?)"), issuer); err != nil {
		return errors.Wrapf(err, "Failed to delete filter of issuer '%s'", issuer)
	}
	rec := &FilterRecord{
		Issuer:     issuer,
		MBits:      int64(state.MBits),
		K:          int64(state.K),
		Capacity:   int64(state.Capacity),
		FPRate:     state.FPRate,
		Salt:       append([]byte(nil), state.Salt[:]...),
		Inserted:   int64(state.Inserted),
		Generation: int64(state.Generation),
		Bits:       state.Bits,
	}
	if _, err := tx.NamedExec("PutFilter", insertFilterSQL, rec); err != nil {
		return errors.Wrapf(err, "Failed to insert filter of issuer '%s'", issuer)
	}
	return nil
}

func (fr *FilterRecord) state() *filter.State {
	st := &filter.State{
		MBits:      uint(fr.MBits),
		K:          uint(fr.K),
		Capacity:   uint(fr.Capacity),
		FPRate:     fr.FPRate,
		Inserted:   uint64(fr.Inserted),
		Generation: uint64(fr.Generation),
		Bits:       fr.Bits,
	}
	copy(st.Salt[:], fr.Salt)
	return st
}

func insertPrimes(tx db.RevocationTx, issuer string, seq int, epoch uint64, primes []*big.Int) error {
	for i, p := range primes {
		rec := &PrimeRecord{
			Issuer: issuer,
			Seq:    int64(seq + i),
			Prime:  p.Bytes(),
			Epoch:  int64(epoch),
		}
		if _, err := tx.NamedExec("InsertPrime", insertPrimeSQL, rec); err != nil {
			return errors.Wrapf(err, "Failed to insert prime %d of issuer '%s'", seq+i, issuer)
		}
	}
	return nil
}

// PutCommit stores the snapshot, the primes, the filter and the anchor of c
// in one transaction. The issuer row is updated only if it still holds the
// preceding epoch.
func (s *Store) PutCommit(ctx context.Context, c *store.Commit) error {
	_, err := doTransaction("PutCommit", s.db, func(tx db.RevocationTx, args ...interface{}) (interface{}, error) {
		rec, err := getIssuer(tx, c.Issuer)
		if err != nil {
			return nil, err
		}
		current := &accumulator.Snapshot{Issuer: rec.Name, Epoch: uint64(rec.Epoch), Count: int(rec.MemberCount)}
		if err := store.CheckSequence(current, c); err != nil {
			return nil, err
		}

		head := rec.AnchorHead
		if c.Anchor != nil {
			if head, err = c.Anchor.Hash(); err != nil {
				return nil, err
			}
		}
		res, err := tx.Exec("PutCommit", tx.Rebind(updateIssuerSQL),
			int64(c.Snapshot.Epoch), c.Snapshot.Value.Bytes(), int64(c.Snapshot.Count), head, c.Issuer, rec.Epoch)
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to update issuer '%s'", c.Issuer)
		}
		if n, err := res.RowsAffected(); err == nil && n != 1 {
			return nil, errors.Errorf("Issuer '%s' moved past epoch %d concurrently", c.Issuer, rec.Epoch)
		}

		seq := current.Count
		if c.Replace {
			if _, err := tx.Exec("PutCommit", tx.Rebind("DELETE FROM primes WHERE (issuer = ?)"), c.Issuer); err != nil {
				return nil, errors.Wrapf(err, "Failed to clear primes of issuer '%s'", c.Issuer)
			}
			seq = 0
		}
		if err := insertPrimes(tx, c.Issuer, seq, c.Snapshot.Epoch, c.Primes); err != nil {
			return nil, err
		}
		if c.Filter != nil {
			if err := putFilter(tx, c.Issuer, c.Filter); err != nil {
				return nil, err
			}
		}
		if c.Anchor != nil {
			if err := insertAnchor(tx, c.Anchor); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return errors.WithMessagef(err, "Failed to commit epoch %d of issuer '%s'", c.Snapshot.Epoch, c.Issuer)
	}
	log.Debugf("Stored epoch %d of issuer '%s' with %d primes", c.Snapshot.Epoch, c.Issuer, len(c.Primes))
	return nil
}

func insertAnchor(tx db.RevocationTx, r *anchor.Record) error {
	raw, err := r.Encode()
	if err != nil {
		return err
	}
	rec := &AnchorRecord{
		ID:     r.ID.String(),
		Issuer: r.Issuer,
		Epoch:  int64(r.Epoch),
		Record: raw,
	}
	if _, err := tx.NamedExec("InsertAnchor", insertAnchorSQL, rec); err != nil {
		return errors.Wrapf(err, "Failed to queue anchor record for epoch %d of issuer '%s'", r.Epoch, r.Issuer)
	}
	return nil
}

// DeleteIssuer removes the issuer with its filter, primes and queued anchors
func (s *Store) DeleteIssuer(ctx context.Context, issuer string) error {
	_, err := doTransaction("DeleteIssuer", s.db, func(tx db.RevocationTx, args ...interface{}) (interface{}, error) {
		return nil, deleteIssuer(tx, issuer, true)
	})
	return err
}

func deleteIssuer(tx db.RevocationTx, issuer string, anchors bool) error {
	tables := []string{"issuers WHERE (name = ?)", "filters WHERE (issuer = ?)", "primes WHERE (issuer = ?)"}
	if anchors {
		tables = append(tables, "anchors WHERE (issuer = ?)")
	}
	for _, t := range tables {
		if _, err := tx.Exec("DeleteIssuer", tx.Rebind("DELETE FROM "+t), issuer); err != nil {
			return errors.Wrapf(err, "Failed to delete issuer '%s'", issuer)
		}
	}
	return nil
}

// Unsubmitted returns the anchor records not yet marked as submitted
func (s *Store) Unsubmitted(ctx context.Context) ([]*anchor.Record, error) {
	var recs []AnchorRecord
	err := s.db.Select("Unsubmitted", &recs, fmt.Sprintf(s.db.Rebind(selectUnsubmittedSQL), sqlstruct.Columns(AnchorRecord{})))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to get queued anchor records")
	}
	records := make([]*anchor.Record, 0, len(recs))
	for _, rec := range recs {
		r, err := anchor.Decode(rec.Record)
		if err != nil {
			return nil, errors.WithMessagef(err, "Queued anchor record %s is corrupt", rec.ID)
		}
		records = append(records, r)
	}
	return records, nil
}

// MarkSubmitted flags the anchor record id as accepted by the public ledger
func (s *Store) MarkSubmitted(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec("MarkSubmitted", s.db.Rebind(markSubmittedSQL), id.String())
	if err != nil {
		return errors.Wrapf(err, "Failed to mark anchor record %s as submitted", id)
	}
	return nil
}

// HealthCheck pings the database
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func doTransaction(funcName string, database db.RevocationDB, doit func(tx db.RevocationTx, args ...interface{}) (interface{}, error), args ...interface{}) (interface{}, error) {
	if database == nil {
		return nil, errors.New("Failed to correctly setup database connection")
	}
	tx := database.BeginTx()
	result, err := doit(tx, args...)
	if err != nil {
		err2 := tx.Rollback(funcName)
		if err2 != nil {
			errMsg := fmt.Sprintf("Error encountered while rolling back transaction: %s, original error: %s", err2.Error(), err.Error())
			log.Errorf(errMsg)
			return nil, errors.New(errMsg)
		}
		return nil, err
	}

	err = tx.Commit(funcName)
	if err != nil {
		return nil, errors.Wrap(err, "Error encountered while committing transaction")
	}

	return result, nil
}
