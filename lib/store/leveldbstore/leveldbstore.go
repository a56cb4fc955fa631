/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package leveldbstore persists revocation state in an embedded LevelDB.
// Every record kind lives under its own key prefix and every multi-key
// update is written as one leveldb.Batch.
package leveldbstore

import (
	"context"
	"encoding/binary"
	"math/big"
	"strings"
	"sync"

	"github.com/cloudflare/cfssl/log"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/hyperledger/fabric-revocation/lib/anchor"
	"github.com/hyperledger/fabric-revocation/lib/filter"
	"github.com/hyperledger/fabric-revocation/lib/store"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	sep          = []byte{0x00}
	paramsKey    = []byte("params")
	issuerPrefix = []byte("issuer")
	filterPrefix = []byte("filter")
	primePrefix  = []byte("prime")
	anchorPrefix = []byte("anchor")
)

type issuerValue struct {
	Epoch      uint64 `cbor:"1,keyasint"`
	Value      []byte `cbor:"2,keyasint"`
	Count      int    `cbor:"3,keyasint"`
	AnchorHead []byte `cbor:"4,keyasint,omitempty"`
}

// Store implements store.Store on LevelDB
type Store struct {
	// mu serializes writers so that read-check-write sequences are atomic
	mu   sync.Mutex
	db   *leveldb.DB
	sync bool
}

// Open opens or creates the database in dir. With syncWrites every batch
// is flushed to disk before returning.
func Open(dir string, syncWrites bool) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open leveldb at '%s'", dir)
	}
	log.Debugf("Opened leveldb revocation store at '%s'", dir)
	return &Store{db: db, sync: syncWrites}, nil
}

func constructKey(prefix []byte, parts ...[]byte) []byte {
	key := append([]byte(nil), prefix...)
	for _, p := range parts {
		key = append(key, sep...)
		key = append(key, p...)
	}
	return key
}

func issuerKey(issuer string) []byte {
	return constructKey(issuerPrefix, []byte(issuer))
}

func filterKey(issuer string) []byte {
	return constructKey(filterPrefix, []byte(issuer))
}

func primeKey(issuer string, seq int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seq))
	return constructKey(primePrefix, []byte(issuer), b[:])
}

func anchorKey(issuer string, epoch uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], epoch)
	return constructKey(anchorPrefix, []byte(issuer), b[:])
}

// scope returns the range holding every key of kind prefix for issuer
func scope(prefix []byte, issuer string) *util.Range {
	return util.BytesPrefix(append(constructKey(prefix, []byte(issuer)), sep...))
}

func checkName(issuer string) error {
	if issuer == "" || strings.ContainsRune(issuer, 0) {
		return errors.Errorf("Invalid issuer name '%s'", issuer)
	}
	return nil
}

func (s *Store) wo() *opt.WriteOptions {
	return &opt.WriteOptions{Sync: s.sync}
}

// GetParams returns the public group parameters
func (s *Store) GetParams(ctx context.Context) (*accumulator.GroupParameters, error) {
	raw, err := s.db.Get(paramsKey, nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.Wrap(store.ErrNotFound, "Group parameters")
	}
	if err != nil {
		return nil, errors.Wrap(err, "Failed to get group parameters")
	}
	return accumulator.DecodeParams(raw, nil)
}

// PutParams stores the public part of gp
func (s *Store) PutParams(ctx context.Context, gp *accumulator.GroupParameters) error {
	public, _, err := accumulator.EncodeParams(gp.Public())
	if err != nil {
		return err
	}
	if err := s.db.Put(paramsKey, public, s.wo()); err != nil {
		return errors.Wrap(err, "Failed to store group parameters")
	}
	return nil
}

// Issuers returns the stored issuer names
func (s *Store) Issuers(ctx context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix(append(append([]byte(nil), issuerPrefix...), sep...)), nil)
	defer it.Release()
	var names []string
	for it.Next() {
		names = append(names, string(it.Key()[len(issuerPrefix)+1:]))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "Failed to list issuers")
	}
	return names, nil
}

func (s *Store) getIssuer(r leveldb.Reader, issuer string) (*issuerValue, error) {
	raw, err := r.Get(issuerKey(issuer), nil)
	if err == leveldb.ErrNotFound {
		return nil, errors.Wrapf(store.ErrNotFound, "Issuer '%s'", issuer)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to get issuer '%s'", issuer)
	}
	iv := &issuerValue{}
	if err := cbor.Unmarshal(raw, iv); err != nil {
		return nil, errors.Wrapf(err, "Failed to decode issuer '%s'", issuer)
	}
	return iv, nil
}

// LoadIssuer reads the issuer from a consistent database snapshot
func (s *Store) LoadIssuer(ctx context.Context, issuer string) (*store.IssuerState, error) {
	if err := checkName(issuer); err != nil {
		return nil, err
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to get leveldb snapshot")
	}
	defer snap.Release()

	iv, err := s.getIssuer(snap, issuer)
	if err != nil {
		return nil, err
	}
	st := &store.IssuerState{
		Name: issuer,
		Snapshot: &accumulator.Snapshot{
			Issuer: issuer,
			Epoch:  iv.Epoch,
			Value:  new(big.Int).SetBytes(iv.Value),
			Count:  iv.Count,
		},
		AnchorHead: iv.AnchorHead,
	}

	raw, err := snap.Get(filterKey(issuer), nil)
	switch {
	case err == nil:
		st.Filter = &filter.State{}
		if err := cbor.Unmarshal(raw, st.Filter); err != nil {
			return nil, errors.Wrapf(err, "Failed to decode filter of issuer '%s'", issuer)
		}
	case err != leveldb.ErrNotFound:
		return nil, errors.Wrapf(err, "Failed to get filter of issuer '%s'", issuer)
	}

	it := snap.NewIterator(scope(primePrefix, issuer), nil)
	defer it.Release()
	st.History = make([]*big.Int, 0, iv.Count)
	for it.Next() {
		st.History = append(st.History, new(big.Int).SetBytes(it.Value()))
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrapf(err, "Failed to read primes of issuer '%s'", issuer)
	}
	if len(st.History) != iv.Count {
		return nil, errors.Errorf("Issuer '%s' counts %d primes but %d are stored", issuer, iv.Count, len(st.History))
	}
	return st, nil
}

func putIssuerValue(batch *leveldb.Batch, issuer string, snap *accumulator.Snapshot, head []byte) error {
	raw, err := cbor.Marshal(&issuerValue{
		Epoch:      snap.Epoch,
		Value:      snap.Value.Bytes(),
		Count:      snap.Count,
		AnchorHead: head,
	})
	if err != nil {
		return errors.Wrapf(err, "Failed to encode issuer '%s'", issuer)
	}
	batch.Put(issuerKey(issuer), raw)
	return nil
}

func putFilterValue(batch *leveldb.Batch, issuer string, state *filter.State) error {
	raw, err := cbor.Marshal(state)
	if err != nil {
		return errors.Wrapf(err, "Failed to encode filter of issuer '%s'", issuer)
	}
	batch.Put(filterKey(issuer), raw)
	return nil
}

// deleteRange queues the deletion of every key in r
func (s *Store) deleteRange(batch *leveldb.Batch, r *util.Range) error {
	it := s.db.NewIterator(r, nil)
	defer it.Release()
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	return it.Error()
}

// PutIssuer replaces every record of the issuer with state
func (s *Store) PutIssuer(ctx context.Context, state *store.IssuerState) error {
	if err := checkName(state.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &leveldb.Batch{}
	if err := s.deleteRange(batch, scope(primePrefix, state.Name)); err != nil {
		return errors.Wrapf(err, "Failed to clear primes of issuer '%s'", state.Name)
	}
	batch.Delete(filterKey(state.Name))
	if err := putIssuerValue(batch, state.Name, state.Snapshot, state.AnchorHead); err != nil {
		return err
	}
	if state.Filter != nil {
		if err := putFilterValue(batch, state.Name, state.Filter); err != nil {
			return err
		}
	}
	for i, p := range state.History {
		batch.Put(primeKey(state.Name, i), p.Bytes())
	}
	if err := s.db.Write(batch, s.wo()); err != nil {
		return errors.Wrapf(err, "Failed to store issuer '%s'", state.Name)
	}
	return nil
}

// PutFilter replaces the filter of an existing issuer
func (s *Store) PutFilter(ctx context.Context, issuer string, state *filter.State) error {
	if err := checkName(issuer); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getIssuer(s.db, issuer); err != nil {
		return err
	}
	batch := &leveldb.Batch{}
	if err := putFilterValue(batch, issuer, state); err != nil {
		return err
	}
	if err := s.db.Write(batch, s.wo()); err != nil {
		return errors.Wrapf(err, "Failed to store filter of issuer '%s'", issuer)
	}
	return nil
}

// PutCommit writes the snapshot, primes, filter and anchor of c in one batch
func (s *Store) PutCommit(ctx context.Context, c *store.Commit) error {
	if err := checkName(c.Issuer); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	iv, err := s.getIssuer(s.db, c.Issuer)
	if err != nil {
		return err
	}
	current := &accumulator.Snapshot{Issuer: c.Issuer, Epoch: iv.Epoch, Count: iv.Count}
	if err := store.CheckSequence(current, c); err != nil {
		return err
	}

	batch := &leveldb.Batch{}
	seq := iv.Count
	if c.Replace {
		if err := s.deleteRange(batch, scope(primePrefix, c.Issuer)); err != nil {
			return errors.Wrapf(err, "Failed to clear primes of issuer '%s'", c.Issuer)
		}
		seq = 0
	}
	for i, p := range c.Primes {
		batch.Put(primeKey(c.Issuer, seq+i), p.Bytes())
	}
	head := iv.AnchorHead
	if c.Anchor != nil {
		if head, err = c.Anchor.Hash(); err != nil {
			return err
		}
		raw, err := c.Anchor.Encode()
		if err != nil {
			return err
		}
		batch.Put(anchorKey(c.Issuer, c.Anchor.Epoch), raw)
	}
	if err := putIssuerValue(batch, c.Issuer, c.Snapshot, head); err != nil {
		return err
	}
	if c.Filter != nil {
		if err := putFilterValue(batch, c.Issuer, c.Filter); err != nil {
			return err
		}
	}
	if err := s.db.Write(batch, s.wo()); err != nil {
		return errors.Wrapf(err, "Failed to commit epoch %d of issuer '%s'", c.Snapshot.Epoch, c.Issuer)
	}
	log.Debugf("Stored epoch %d of issuer '%s' with %d primes", c.Snapshot.Epoch, c.Issuer, len(c.Primes))
	return nil
}

// DeleteIssuer removes every record of the issuer
func (s *Store) DeleteIssuer(ctx context.Context, issuer string) error {
	if err := checkName(issuer); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &leveldb.Batch{}
	batch.Delete(issuerKey(issuer))
	batch.Delete(filterKey(issuer))
	for _, prefix := range [][]byte{primePrefix, anchorPrefix} {
		if err := s.deleteRange(batch, scope(prefix, issuer)); err != nil {
			return errors.Wrapf(err, "Failed to delete issuer '%s'", issuer)
		}
	}
	if err := s.db.Write(batch, s.wo()); err != nil {
		return errors.Wrapf(err, "Failed to delete issuer '%s'", issuer)
	}
	return nil
}

// Unsubmitted returns queued anchor records ordered by issuer and epoch
func (s *Store) Unsubmitted(ctx context.Context) ([]*anchor.Record, error) {
	it := s.db.NewIterator(util.BytesPrefix(append(append([]byte(nil), anchorPrefix...), sep...)), nil)
	defer it.Release()
	var records []*anchor.Record
	for it.Next() {
		r, err := anchor.Decode(it.Value())
		if err != nil {
			return nil, errors.WithMessagef(err, "Queued anchor record %x is corrupt", it.Key())
		}
		records = append(records, r)
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "Failed to read queued anchor records")
	}
	return records, nil
}

// MarkSubmitted drops the anchor record id from the queue
func (s *Store) MarkSubmitted(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.db.NewIterator(util.BytesPrefix(append(append([]byte(nil), anchorPrefix...), sep...)), nil)
	defer it.Release()
	for it.Next() {
		r, err := anchor.Decode(it.Value())
		if err != nil {
			continue
		}
		if r.ID == id {
			return s.db.Delete(append([]byte(nil), it.Key()...), s.wo())
		}
	}
	return it.Error()
}

// HealthCheck reads a database property, which fails once the database is closed
func (s *Store) HealthCheck(ctx context.Context) error {
	if _, err := s.db.GetProperty("leveldb.num-files-at-level0"); err != nil {
		return errors.Wrap(err, "Revocation store is unavailable")
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.AnchorOutbox = (*Store)(nil)
)
