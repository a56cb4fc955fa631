/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package storetest holds the behavior every store.Store implementation is
// expected to share
package storetest

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/hyperledger/fabric-revocation/lib/anchor"
	"github.com/hyperledger/fabric-revocation/lib/filter"
	"github.com/hyperledger/fabric-revocation/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	paramsOnce sync.Once
	params     *accumulator.GroupParameters
	paramsErr  error
)

// Params returns small trapdoor parameters shared by all store tests
func Params(t *testing.T) *accumulator.GroupParameters {
	paramsOnce.Do(func() {
		params, paramsErr = accumulator.Initialize(accumulator.MinTestSecurityBits, accumulator.WitnessPolicyTrapdoor)
	})
	require.NoError(t, paramsErr)
	return params
}

// NewIssuer returns the genesis state of issuer with an empty filter
func NewIssuer(t *testing.T, issuer string) *store.IssuerState {
	f, err := filter.New(30, 0.01)
	require.NoError(t, err)
	fs, err := f.State()
	require.NoError(t, err)
	return &store.IssuerState{
		Name:     issuer,
		Snapshot: accumulator.Genesis(issuer, Params(t)),
		Filter:   fs,
	}
}

// NextCommit builds the commit folding primes into current
func NextCommit(t *testing.T, current *accumulator.Snapshot, primes ...int64) *store.Commit {
	batch := make([]*big.Int, len(primes))
	for i, p := range primes {
		batch[i] = big.NewInt(p)
	}
	return &store.Commit{
		Issuer:   current.Issuer,
		Snapshot: current.Next(accumulator.Update(Params(t), current.Value, batch), len(batch)),
		Primes:   batch,
	}
}

// AssertState compares two issuer states field by field
func AssertState(t *testing.T, expected, actual *store.IssuerState) {
	require.NotNil(t, actual)
	assert.Equal(t, expected.Name, actual.Name)
	assert.Equal(t, expected.Snapshot.Issuer, actual.Snapshot.Issuer)
	assert.Equal(t, expected.Snapshot.Epoch, actual.Snapshot.Epoch)
	assert.Equal(t, expected.Snapshot.Count, actual.Snapshot.Count)
	assert.Zero(t, expected.Snapshot.Value.Cmp(actual.Snapshot.Value), "snapshot values differ")
	require.Len(t, actual.History, len(expected.History))
	for i := range expected.History {
		assert.Zero(t, expected.History[i].Cmp(actual.History[i]), "history differs at %d", i)
	}
	assert.Equal(t, expected.Filter, actual.Filter)
	assert.Equal(t, []byte(expected.AnchorHead), []byte(actual.AnchorHead))
}

// Run exercises s. It must be empty.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("Params", func(t *testing.T) { testParams(t, open(t)) })
	t.Run("Issuers", func(t *testing.T) { testIssuers(t, open(t)) })
	t.Run("Commits", func(t *testing.T) { testCommits(t, open(t)) })
	t.Run("OutOfSequence", func(t *testing.T) { testOutOfSequence(t, open(t)) })
	t.Run("Replace", func(t *testing.T) { testReplace(t, open(t)) })
	t.Run("Filter", func(t *testing.T) { testFilter(t, open(t)) })
	t.Run("Anchors", func(t *testing.T) { testAnchors(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("HealthCheck", func(t *testing.T) { testHealthCheck(t, open(t)) })
}

func testHealthCheck(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.HealthCheck(ctx))
	require.NoError(t, s.Close())
	assert.Error(t, s.HealthCheck(ctx))
}

func testParams(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.GetParams(ctx)
	assert.True(t, store.IsNotFound(err), "expected not found, got %v", err)

	gp := Params(t)
	require.NoError(t, s.PutParams(ctx, gp))
	got, err := s.GetParams(ctx)
	require.NoError(t, err)
	assert.Zero(t, gp.Modulus.Cmp(got.Modulus))
	assert.Zero(t, gp.Generator.Cmp(got.Generator))
	assert.Nil(t, got.Trapdoor)
	require.NotNil(t, gp.Trapdoor, "caller's parameters must keep their trapdoor")

	// overwriting is allowed
	require.NoError(t, s.PutParams(ctx, gp))
}

func testIssuers(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.LoadIssuer(ctx, "org1")
	assert.True(t, store.IsNotFound(err), "expected not found, got %v", err)

	names, err := s.Issuers(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	org2 := NewIssuer(t, "org2")
	org1 := NewIssuer(t, "org1")
	require.NoError(t, s.PutIssuer(ctx, org2))
	require.NoError(t, s.PutIssuer(ctx, org1))

	names, err = s.Issuers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"org1", "org2"}, names)

	got, err := s.LoadIssuer(ctx, "org1")
	require.NoError(t, err)
	AssertState(t, org1, got)
}

func testCommits(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	st := NewIssuer(t, "org1")
	require.NoError(t, s.PutIssuer(ctx, st))

	c1 := NextCommit(t, st.Snapshot, 101, 103)
	require.NoError(t, s.PutCommit(ctx, c1))
	c2 := NextCommit(t, c1.Snapshot)
	require.NoError(t, s.PutCommit(ctx, c2))
	c3 := NextCommit(t, c2.Snapshot, 107)
	require.NoError(t, s.PutCommit(ctx, c3))

	got, err := s.LoadIssuer(ctx, "org1")
	require.NoError(t, err)
	st.Snapshot = c3.Snapshot
	st.History = []*big.Int{big.NewInt(101), big.NewInt(103), big.NewInt(107)}
	AssertState(t, st, got)
	assert.Zero(t, accumulator.Replay(Params(t), got.History).Cmp(got.Snapshot.Value))

	err = s.PutCommit(ctx, NextCommit(t, accumulator.Genesis("org9", Params(t)), 5))
	assert.True(t, store.IsNotFound(err), "expected not found, got %v", err)
}

func testOutOfSequence(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	st := NewIssuer(t, "org1")
	require.NoError(t, s.PutIssuer(ctx, st))
	c1 := NextCommit(t, st.Snapshot, 101)
	require.NoError(t, s.PutCommit(ctx, c1))

	// replaying the same commit must not append twice
	assert.Error(t, s.PutCommit(ctx, c1))

	skip := NextCommit(t, c1.Snapshot, 103)
	skip.Snapshot.Epoch++
	assert.Error(t, s.PutCommit(ctx, skip))

	miscount := NextCommit(t, c1.Snapshot, 103)
	miscount.Snapshot.Count++
	assert.Error(t, s.PutCommit(ctx, miscount))

	got, err := s.LoadIssuer(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Snapshot.Epoch)
	assert.Len(t, got.History, 1)
}

func testReplace(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	st := NewIssuer(t, "org1")
	require.NoError(t, s.PutIssuer(ctx, st))
	c1 := NextCommit(t, st.Snapshot, 101, 103, 107)
	require.NoError(t, s.PutCommit(ctx, c1))

	kept := []*big.Int{big.NewInt(101), big.NewInt(107)}
	rebase := &store.Commit{
		Issuer: "org1",
		Snapshot: &accumulator.Snapshot{
			Issuer: "org1",
			Epoch:  2,
			Value:  accumulator.Replay(Params(t), kept),
			Count:  2,
		},
		Primes:  kept,
		Replace: true,
	}
	require.NoError(t, s.PutCommit(ctx, rebase))

	got, err := s.LoadIssuer(ctx, "org1")
	require.NoError(t, err)
	st.Snapshot = rebase.Snapshot
	st.History = kept
	AssertState(t, st, got)
}

func testFilter(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	f, err := filter.New(30, 0.01)
	require.NoError(t, err)
	require.NoError(t, f.Add(big.NewInt(101)))
	fs, err := f.State()
	require.NoError(t, err)

	err = s.PutFilter(ctx, "org1", fs)
	assert.True(t, store.IsNotFound(err), "expected not found, got %v", err)

	st := NewIssuer(t, "org1")
	require.NoError(t, s.PutIssuer(ctx, st))
	require.NoError(t, s.PutFilter(ctx, "org1", fs))

	got, err := s.LoadIssuer(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, fs, got.Filter)
	restored, err := filter.FromState(got.Filter)
	require.NoError(t, err)
	assert.True(t, restored.Test(big.NewInt(101)))

	// a commit may carry the filter in the same write
	require.NoError(t, f.Add(big.NewInt(103)))
	fs2, err := f.State()
	require.NoError(t, err)
	c := NextCommit(t, st.Snapshot, 101, 103)
	c.Filter = fs2
	require.NoError(t, s.PutCommit(ctx, c))
	got, err = s.LoadIssuer(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, fs2, got.Filter)
}

func testAnchors(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	outbox, ok := s.(store.AnchorOutbox)
	require.True(t, ok, "store does not queue anchors")

	st := NewIssuer(t, "org1")
	require.NoError(t, s.PutIssuer(ctx, st))

	c1 := NextCommit(t, st.Snapshot, 101)
	c1.Anchor = anchor.New(nil, c1.Snapshot, c1.Primes, false)
	require.NoError(t, s.PutCommit(ctx, c1))
	h1, err := c1.Anchor.Hash()
	require.NoError(t, err)

	c2 := NextCommit(t, c1.Snapshot, 103)
	c2.Anchor = anchor.New(h1, c2.Snapshot, c2.Primes, false)
	require.NoError(t, s.PutCommit(ctx, c2))
	h2, err := c2.Anchor.Hash()
	require.NoError(t, err)

	got, err := s.LoadIssuer(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, h2, got.AnchorHead)

	queued, err := outbox.Unsubmitted(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, c1.Anchor.ID, queued[0].ID)
	assert.Equal(t, c2.Anchor.ID, queued[1].ID)
	require.NoError(t, anchor.VerifyChain(queued))

	require.NoError(t, outbox.MarkSubmitted(ctx, c1.Anchor.ID))
	queued, err = outbox.Unsubmitted(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, c2.Anchor.HashHex(), queued[0].HashHex())
}

func testDelete(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	st := NewIssuer(t, "org1")
	require.NoError(t, s.PutIssuer(ctx, st))
	c1 := NextCommit(t, st.Snapshot, 101)
	c1.Anchor = anchor.New(nil, c1.Snapshot, c1.Primes, false)
	require.NoError(t, s.PutCommit(ctx, c1))
	require.NoError(t, s.PutIssuer(ctx, NewIssuer(t, "org2")))

	require.NoError(t, s.DeleteIssuer(ctx, "org1"))
	_, err := s.LoadIssuer(ctx, "org1")
	assert.True(t, store.IsNotFound(err), "expected not found, got %v", err)
	names, err := s.Issuers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"org2"}, names)

	if outbox, ok := s.(store.AnchorOutbox); ok {
		queued, err := outbox.Unsubmitted(ctx)
		require.NoError(t, err)
		assert.Empty(t, queued)
	}

	// a new issuer with the same name starts from scratch
	require.NoError(t, s.PutIssuer(ctx, NewIssuer(t, "org1")))
	got, err := s.LoadIssuer(ctx, "org1")
	require.NoError(t, err)
	assert.Empty(t, got.History)
}
