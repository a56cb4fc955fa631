/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package memstore is an in-memory Store for tests and single-process use
package memstore

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/hyperledger/fabric-revocation/lib/anchor"
	"github.com/hyperledger/fabric-revocation/lib/filter"
	"github.com/hyperledger/fabric-revocation/lib/store"
	"github.com/pkg/errors"
)

// Store keeps everything in maps guarded by one lock
type Store struct {
	mu      sync.RWMutex
	params  *accumulator.GroupParameters
	issuers map[string]*store.IssuerState
	outbox  []*anchor.Record
	closed  bool
}

// New returns an empty Store
func New() *Store {
	return &Store{issuers: map[string]*store.IssuerState{}}
}

func clone(s *store.IssuerState) *store.IssuerState {
	c := *s
	c.History = append([]*big.Int(nil), s.History...)
	c.Filter = store.CloneFilter(s.Filter)
	c.AnchorHead = append([]byte(nil), s.AnchorHead...)
	return &c
}

func (s *Store) check() error {
	if s.closed {
		return errors.New("Store is closed")
	}
	return nil
}

// GetParams returns the stored group parameters
func (s *Store) GetParams(ctx context.Context) (*accumulator.GroupParameters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.params == nil {
		return nil, errors.Wrap(store.ErrNotFound, "Group parameters")
	}
	return s.params, nil
}

// PutParams stores the public part of gp
func (s *Store) PutParams(ctx context.Context, gp *accumulator.GroupParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.params = gp.Public()
	return nil
}

// Issuers returns the stored issuer names
func (s *Store) Issuers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.issuers))
	for name := range s.issuers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LoadIssuer returns a copy of the state of issuer
func (s *Store) LoadIssuer(ctx context.Context, issuer string) (*store.IssuerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	st, ok := s.issuers[issuer]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "Issuer '%s'", issuer)
	}
	return clone(st), nil
}

// PutIssuer stores a copy of state
func (s *Store) PutIssuer(ctx context.Context, state *store.IssuerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.issuers[state.Name] = clone(state)
	return nil
}

// PutFilter replaces the filter state of issuer
func (s *Store) PutFilter(ctx context.Context, issuer string, state *filter.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	st, ok := s.issuers[issuer]
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "Issuer '%s'", issuer)
	}
	st.Filter = store.CloneFilter(state)
	return nil
}

// PutCommit applies c under the store lock
func (s *Store) PutCommit(ctx context.Context, c *store.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	st, ok := s.issuers[c.Issuer]
	if !ok {
		return errors.Wrapf(store.ErrNotFound, "Issuer '%s'", c.Issuer)
	}
	if err := store.CheckSequence(st.Snapshot, c); err != nil {
		return err
	}
	next := clone(st)
	next.Snapshot = c.Snapshot
	if c.Replace {
		next.History = append([]*big.Int(nil), c.Primes...)
	} else {
		next.History = append(next.History, c.Primes...)
	}
	if c.Filter != nil {
		next.Filter = store.CloneFilter(c.Filter)
	}
	if c.Anchor != nil {
		head, err := c.Anchor.Hash()
		if err != nil {
			return err
		}
		next.AnchorHead = head
		s.outbox = append(s.outbox, c.Anchor)
	}
	s.issuers[c.Issuer] = next
	return nil
}

// DeleteIssuer removes issuer and its queued anchors
func (s *Store) DeleteIssuer(ctx context.Context, issuer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	delete(s.issuers, issuer)
	kept := s.outbox[:0]
	for _, r := range s.outbox {
		if r.Issuer != issuer {
			kept = append(kept, r)
		}
	}
	s.outbox = kept
	return nil
}

// Unsubmitted returns the queued anchor records
func (s *Store) Unsubmitted(ctx context.Context) ([]*anchor.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return append([]*anchor.Record(nil), s.outbox...), nil
}

// MarkSubmitted drops id from the queue
func (s *Store) MarkSubmitted(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	for i, r := range s.outbox {
		if r.ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

// HealthCheck fails once the store is closed
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check()
}

// Close makes every later call fail
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
