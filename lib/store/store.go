/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package store defines the persistence contract of the revocation engine.
// The engine never performs I/O itself; everything it must survive a restart
// with goes through a Store.
package store

import (
	"context"
	"math/big"

	"github.com/google/uuid"
	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/hyperledger/fabric-revocation/lib/anchor"
	"github.com/hyperledger/fabric-revocation/lib/filter"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when the requested object is not stored
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err is, or wraps, ErrNotFound
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

// IssuerState is everything persisted for one issuer
type IssuerState struct {
	Name     string
	Snapshot *accumulator.Snapshot
	// History is the ordered set of committed primes
	History []*big.Int
	Filter  *filter.State
	// AnchorHead is the hash of the last anchor record, the Prev of the next
	AnchorHead []byte
}

// Commit is written after an epoch is closed. The snapshot and primes are
// stored atomically; a reader never sees one without the other.
type Commit struct {
	Issuer   string
	Snapshot *accumulator.Snapshot
	// Primes are appended to the history, or replace it when Replace is set
	Primes  []*big.Int
	Replace bool
	// Filter, when set, is stored in the same write
	Filter *filter.State
	// Anchor, when set, is queued for submission and becomes the anchor head
	Anchor *anchor.Record
}

// Store persists group parameters and per-issuer revocation state
type Store interface {
	// GetParams returns the public group parameters or ErrNotFound
	GetParams(ctx context.Context) (*accumulator.GroupParameters, error)
	// PutParams stores the public part of gp; the trapdoor is never stored
	PutParams(ctx context.Context, gp *accumulator.GroupParameters) error
	// Issuers returns the names of all stored issuers in ascending order
	Issuers(ctx context.Context) ([]string, error)
	// LoadIssuer returns the state of issuer or ErrNotFound
	LoadIssuer(ctx context.Context, issuer string) (*IssuerState, error)
	// PutIssuer creates or overwrites the complete state of an issuer
	PutIssuer(ctx context.Context, state *IssuerState) error
	// PutFilter stores the filter state of an existing issuer
	PutFilter(ctx context.Context, issuer string, state *filter.State) error
	// PutCommit applies c atomically. The stored snapshot must be the one
	// preceding c.Snapshot unless c.Replace is set.
	PutCommit(ctx context.Context, c *Commit) error
	// DeleteIssuer removes every record of issuer
	DeleteIssuer(ctx context.Context, issuer string) error
	// HealthCheck returns an error if the store cannot serve requests
	HealthCheck(ctx context.Context) error
	Close() error
}

// AnchorOutbox holds anchor records that were not yet accepted by the
// public ledger
type AnchorOutbox interface {
	// Unsubmitted returns queued records in commit order
	Unsubmitted(ctx context.Context) ([]*anchor.Record, error)
	// MarkSubmitted removes id from the queue
	MarkSubmitted(ctx context.Context, id uuid.UUID) error
}

// CheckSequence verifies that c may be stored on top of current
func CheckSequence(current *accumulator.Snapshot, c *Commit) error {
	next := c.Snapshot
	if next == nil {
		return errors.New("Commit carries no snapshot")
	}
	if current == nil {
		return errors.Wrapf(ErrNotFound, "Issuer '%s'", c.Issuer)
	}
	if next.Issuer != c.Issuer {
		return errors.Errorf("Commit for issuer '%s' carries a snapshot of '%s'", c.Issuer, next.Issuer)
	}
	if next.Epoch != current.Epoch+1 {
		return errors.Errorf("Commit for epoch %d of issuer '%s' does not follow stored epoch %d",
			next.Epoch, c.Issuer, current.Epoch)
	}
	count := current.Count + len(c.Primes)
	if c.Replace {
		count = len(c.Primes)
	}
	if next.Count != count {
		return errors.Errorf("Commit for epoch %d of issuer '%s' counts %d primes, expected %d",
			next.Epoch, c.Issuer, next.Count, count)
	}
	return nil
}

// CloneFilter returns a deep copy of s
func CloneFilter(s *filter.State) *filter.State {
	if s == nil {
		return nil
	}
	c := *s
	c.Bits = append([]byte(nil), s.Bits...)
	return &c
}
