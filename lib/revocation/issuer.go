/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package revocation

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/cloudflare/cfssl/log"
	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/hyperledger/fabric-revocation/lib/anchor"
	"github.com/hyperledger/fabric-revocation/lib/epoch"
	"github.com/hyperledger/fabric-revocation/lib/filter"
	"github.com/hyperledger/fabric-revocation/lib/reverrors"
	"github.com/hyperledger/fabric-revocation/lib/server/metrics"
	"github.com/hyperledger/fabric-revocation/lib/store"
	"github.com/pkg/errors"
)

// Issuer is the revocation scope of one credential issuer: its membership
// filter and its epoch ledger over the shared group parameters
type Issuer struct {
	name    string
	params  *accumulator.GroupParameters
	store   PersistenceStore
	metrics *metrics.Metrics
	ledger  *epoch.Ledger

	// mu makes filter add and epoch stage atomic together, and excludes
	// revocations while the filter is rebuilt
	mu     sync.Mutex
	filter atomic.Pointer[filter.Filter]

	// headMu guards the anchor head and the published digests
	headMu     sync.Mutex
	anchorHead []byte
	published  map[uint64][32]byte
	oldest     uint64
}

// publishedWindow is how many recent epochs a caller supplied snapshot may
// refer to
const publishedWindow = 1024

func newIssuer(state *store.IssuerState, params *accumulator.GroupParameters, st PersistenceStore, m *metrics.Metrics) (*Issuer, error) {
	f, err := filter.FromState(state.Filter)
	if err != nil {
		return nil, errors.WithMessagef(err, "Failed to restore membership filter of issuer '%s'", state.Name)
	}
	is := &Issuer{
		name:       state.Name,
		params:     params,
		store:      st,
		metrics:    m,
		anchorHead: append([]byte(nil), state.AnchorHead...),
		published:  map[uint64][32]byte{},
	}
	is.filter.Store(f)
	is.ledger, err = epoch.New(state.Name, params, state.Snapshot, state.History, is.commit)
	if err != nil {
		return nil, err
	}
	is.publish(is.ledger.Snapshot())
	is.observe(state.Snapshot)
	return is, nil
}

// Name returns the issuer name
func (is *Issuer) Name() string {
	return is.name
}

// Params returns the group parameters the issuer accumulates over
func (is *Issuer) Params() *accumulator.GroupParameters {
	return is.params
}

// Ledger returns the epoch ledger of the issuer
func (is *Issuer) Ledger() *epoch.Ledger {
	return is.ledger
}

// Filter returns the current membership filter
func (is *Issuer) Filter() *filter.Filter {
	return is.filter.Load()
}

// Snapshot returns the latest committed accumulator snapshot
func (is *Issuer) Snapshot() *accumulator.Snapshot {
	return is.ledger.Snapshot()
}

// AnchorHead returns the hash of the last anchor record
func (is *Issuer) AnchorHead() []byte {
	is.headMu.Lock()
	defer is.headMu.Unlock()
	return append([]byte(nil), is.anchorHead...)
}

// revoke adds prime to the filter and stages it. The filter is updated first,
// so a committed prime is always in the filter.
func (is *Issuer) revoke(prime *big.Int) (uint64, error) {
	is.mu.Lock()
	defer is.mu.Unlock()
	if err := is.filter.Load().Add(prime); err != nil {
		return 0, err
	}
	return is.ledger.Stage(prime)
}

// commit persists rec together with the filter and the anchor record that
// publishes it. It runs outside the staging lock.
func (is *Issuer) commit(ctx context.Context, rec *epoch.CommitRecord) error {
	fs, err := is.filter.Load().State()
	if err != nil {
		return err
	}
	is.headMu.Lock()
	defer is.headMu.Unlock()
	ar := anchor.New(is.anchorHead, rec.Snapshot, rec.Primes, rec.Replace)
	err = is.store.PutCommit(ctx, &store.Commit{
		Issuer:   is.name,
		Snapshot: rec.Snapshot,
		Primes:   rec.Primes,
		Replace:  rec.Replace,
		Filter:   fs,
		Anchor:   ar,
	})
	if err != nil {
		return errors.WithMessagef(err, "Failed to store epoch %d of issuer '%s'", rec.Snapshot.Epoch, is.name)
	}
	head, err := ar.Hash()
	if err != nil {
		return err
	}
	is.anchorHead = head
	is.publish(rec.Snapshot)
	is.observe(rec.Snapshot)
	log.Infof("Committed epoch %d of issuer '%s': %d primes accumulated, digest %s",
		rec.Snapshot.Epoch, is.name, rec.Snapshot.Count, rec.Snapshot.DigestHex())
	return nil
}

// publish records the digest of a committed snapshot. The caller holds
// headMu unless the issuer is still being built.
func (is *Issuer) publish(snap *accumulator.Snapshot) {
	if snap == nil {
		return
	}
	if len(is.published) == 0 || snap.Epoch < is.oldest {
		is.oldest = snap.Epoch
	}
	is.published[snap.Epoch] = snap.Digest()
	for snap.Epoch-is.oldest >= publishedWindow {
		delete(is.published, is.oldest)
		is.oldest++
	}
}

// checkPublished fails unless snap is one of the recent snapshots this
// issuer committed
func (is *Issuer) checkPublished(snap *accumulator.Snapshot) error {
	is.headMu.Lock()
	digest, ok := is.published[snap.Epoch]
	is.headMu.Unlock()
	if !ok {
		return reverrors.NewEpochStateError(reverrors.ErrUnpublishedSnapshot,
			"Epoch %d of issuer '%s' is not a known published snapshot", snap.Epoch, is.name)
	}
	if snap.Value == nil || digest != snap.Digest() {
		return reverrors.NewProofError(reverrors.ErrUnpublishedSnapshot,
			"Accumulator snapshot of epoch %d was not published by issuer '%s'", snap.Epoch, is.name)
	}
	return nil
}

func (is *Issuer) observe(snap *accumulator.Snapshot) {
	if is.metrics == nil || snap == nil {
		return
	}
	is.metrics.Epoch.With("issuer", is.name).Set(float64(snap.Epoch))
	is.metrics.Accumulated.With("issuer", is.name).Set(float64(snap.Count))
}

// rebuildFilter rolls a copy of the filter over, re-adds every prime the
// ledger holds and swaps it in. Revocations wait for the swap.
func (is *Issuer) rebuildFilter(ctx context.Context) (*filter.Filter, error) {
	is.mu.Lock()
	defer is.mu.Unlock()
	state, err := is.filter.Load().State()
	if err != nil {
		return nil, err
	}
	f, err := filter.FromState(state)
	if err != nil {
		return nil, err
	}
	if err = f.Rollover(); err != nil {
		return nil, err
	}
	for _, p := range is.ledger.Members() {
		if err = f.Add(p); err != nil {
			return nil, err
		}
	}
	fs, err := f.State()
	if err != nil {
		return nil, err
	}
	if err = is.store.PutFilter(ctx, is.name, fs); err != nil {
		return nil, errors.WithMessagef(err, "Failed to store membership filter of issuer '%s'", is.name)
	}
	is.filter.Store(f)
	log.Infof("Rebuilt membership filter of issuer '%s': generation %d, %d primes", is.name, f.Generation(), f.Inserted())
	return f, nil
}
