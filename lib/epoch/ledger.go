/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package epoch batches revocations into epochs. Primes are staged in the
// open epoch and folded into the accumulator with a single exponentiation
// when the epoch is closed.
//
// A Ledger is an explicit OPEN/COMMITTING state machine. Closing captures the
// pending set under the lock and immediately opens the next epoch, so staging
// never waits for the exponentiation. At most one batch is in flight; a second
// Close joins it, and a failed batch stays in flight until a later Close or
// Commit retries it.
package epoch

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/hyperledger/fabric-revocation/lib/primes"
	"github.com/hyperledger/fabric-revocation/lib/reverrors"
	"github.com/pkg/errors"
)

// State of the ledger
type State int

const (
	// Open means no batch is in flight
	Open State = iota
	// Committing means a closed batch has not been published yet
	Committing
)

func (s State) String() string {
	if s == Committing {
		return "COMMITTING"
	}
	return "OPEN"
}

// Location of a prime in the ledger
type Location int

const (
	// Absent primes were never staged
	Absent Location = iota
	// Pending primes are staged in the open epoch
	Pending
	// Sealed primes belong to the batch in flight
	Sealed
	// Committed primes are folded into the published snapshot
	Committed
)

// CommitRecord describes a batch about to be published. It is passed to the
// CommitFunc, which must persist it atomically.
type CommitRecord struct {
	Issuer   string
	Previous *accumulator.Snapshot
	Snapshot *accumulator.Snapshot
	// Primes are the primes appended to the history by this batch. When
	// Replace is set they are the complete new history instead.
	Primes  []*big.Int
	Replace bool
}

// CommitFunc persists a commit record. An error keeps the batch in flight.
type CommitFunc func(ctx context.Context, rec *CommitRecord) error

// CommitStatus is the outcome of Close or Commit
type CommitStatus struct {
	State State
	// Epoch is the epoch of the batch that was closed
	Epoch uint64
	// Snapshot is set once the batch is published
	Snapshot *accumulator.Snapshot
	Primes   int
	Duration time.Duration
}

// Committed reports whether the batch was published
func (cs *CommitStatus) Committed() bool {
	return cs != nil && cs.Snapshot != nil
}

type attempt struct {
	done   chan struct{}
	status *CommitStatus
	err    error
}

type batch struct {
	epoch   uint64
	primes  []*big.Int
	product *big.Int
	// replace holds the full new history for a maintenance rebase and dropped
	// the committed primes it removes
	replace []*big.Int
	dropped map[string]struct{}
	current *attempt
}

// Ledger is the per-issuer epoch ledger
type Ledger struct {
	issuer string
	params *accumulator.GroupParameters
	commit CommitFunc

	mu         sync.Mutex
	open       uint64
	pending    []*big.Int
	pendingSet map[string]struct{}
	history    []*big.Int
	committed  map[string]uint64
	inflight   *batch

	snap atomic.Pointer[accumulator.Snapshot]
}

func key(p *big.Int) string {
	return string(p.Bytes())
}

// New returns a ledger resuming from initial with its ordered prime history.
// A nil initial snapshot starts from the genesis value. commit may be nil.
func New(issuer string, params *accumulator.GroupParameters, initial *accumulator.Snapshot, history []*big.Int, commit CommitFunc) (*Ledger, error) {
	if params == nil {
		return nil, errors.New("Group parameters are required")
	}
	if initial == nil {
		if len(history) > 0 {
			return nil, reverrors.NewValidationError(reverrors.ErrBadSnapshot, "Prime history given without a snapshot")
		}
		initial = accumulator.Genesis(issuer, params)
	}
	if initial.Issuer != issuer || initial.Value == nil {
		return nil, reverrors.NewValidationError(reverrors.ErrBadSnapshot, "Snapshot does not belong to issuer '%s'", issuer)
	}
	if initial.Count != len(history) {
		return nil, reverrors.NewValidationError(reverrors.ErrBadSnapshot,
			"Snapshot counts %d primes but history has %d", initial.Count, len(history))
	}
	l := &Ledger{
		issuer:     issuer,
		params:     params,
		commit:     commit,
		open:       initial.Epoch + 1,
		pendingSet: map[string]struct{}{},
		committed:  make(map[string]uint64, len(history)),
	}
	l.history = append(l.history, history...)
	for _, p := range history {
		// exact commit epochs are not persisted, the snapshot epoch bounds them
		l.committed[key(p)] = initial.Epoch
	}
	l.snap.Store(initial)
	return l, nil
}

// Issuer returns the issuer this ledger belongs to
func (l *Ledger) Issuer() string {
	return l.issuer
}

// Snapshot returns the latest published snapshot. It never blocks.
func (l *Ledger) Snapshot() *accumulator.Snapshot {
	return l.snap.Load()
}

// View returns the published snapshot with the ordered prime history it was
// computed from
func (l *Ledger) View() (*accumulator.Snapshot, []*big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap.Load(), append([]*big.Int(nil), l.history...)
}

// History returns a copy of the committed primes in commit order
func (l *Ledger) History() []*big.Int {
	_, h := l.View()
	return h
}

// Pending returns a copy of the primes staged in the open epoch
func (l *Ledger) Pending() []*big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*big.Int(nil), l.pending...)
}

// Members returns every prime the ledger holds, whether committed, sealed
// or pending, without duplicates
func (l *Ledger) Members() []*big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]struct{}, len(l.history)+len(l.pending))
	var out []*big.Int
	add := func(ps []*big.Int) {
		for _, p := range ps {
			if _, ok := seen[key(p)]; !ok {
				seen[key(p)] = struct{}{}
				out = append(out, p)
			}
		}
	}
	add(l.history)
	if l.inflight != nil {
		add(l.inflight.primes)
	}
	add(l.pending)
	return out
}

// OpenEpoch returns the number of the epoch currently accepting primes
func (l *Ledger) OpenEpoch() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// State returns Committing while a batch is in flight
func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight != nil {
		return Committing
	}
	return Open
}

// Locate reports where prime is and the epoch it was or will be committed in
func (l *Ledger) Locate(prime *big.Int) (Location, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locate(key(prime))
}

func (l *Ledger) locate(k string) (Location, uint64) {
	b := l.inflight
	if e, ok := l.committed[k]; ok {
		if b == nil || b.replace == nil {
			return Committed, e
		}
		// a rebase in flight is about to remove it
		if _, gone := b.dropped[k]; !gone {
			return Committed, e
		}
	}
	if b != nil && b.replace == nil {
		for _, p := range b.primes {
			if key(p) == k {
				return Sealed, b.epoch
			}
		}
	}
	if _, ok := l.pendingSet[k]; ok {
		return Pending, l.open
	}
	return Absent, 0
}

// Stage adds prime to the open epoch and returns the epoch it will be
// committed in. A prime that is already staged or committed is not staged again.
func (l *Ledger) Stage(prime *big.Int) (uint64, error) {
	if prime == nil || prime.Sign() <= 0 {
		return 0, reverrors.NewValidationError(reverrors.ErrBadIdentifier, "Cannot stage an empty prime")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stage(prime), nil
}

// StageIn stages prime only if epoch is still open. Otherwise it fails with an
// EpochStateError and the caller should retry against OpenEpoch.
func (l *Ledger) StageIn(epoch uint64, prime *big.Int) (uint64, error) {
	if prime == nil || prime.Sign() <= 0 {
		return 0, reverrors.NewValidationError(reverrors.ErrBadIdentifier, "Cannot stage an empty prime")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if epoch != l.open {
		return 0, reverrors.NewEpochStateError(reverrors.ErrEpochClosed,
			"Epoch %d of issuer '%s' is closed; epoch %d is open", epoch, l.issuer, l.open)
	}
	return l.stage(prime), nil
}

func (l *Ledger) stage(prime *big.Int) uint64 {
	k := key(prime)
	if loc, e := l.locate(k); loc != Absent {
		return e
	}
	l.pending = append(l.pending, new(big.Int).Set(prime))
	l.pendingSet[k] = struct{}{}
	log.Debugf("Staged prime %s in epoch %d of issuer '%s'", primes.Short(prime), l.open, l.issuer)
	return l.open
}

// Close closes the open epoch and commits it. If a batch is already in
// flight, Close joins it instead and the open epoch stays open. When ctx
// expires before the batch is published, the returned status is Committing
// and the error is nil; the commit carries on in the background.
func (l *Ledger) Close(ctx context.Context) (*CommitStatus, error) {
	l.mu.Lock()
	b := l.inflight
	if b == nil {
		b = l.seal()
	}
	a := l.start(b)
	l.mu.Unlock()
	return l.await(ctx, b, a)
}

// Commit retries or joins the batch in flight. It fails with an
// EpochStateError when nothing is in flight.
func (l *Ledger) Commit(ctx context.Context) (*CommitStatus, error) {
	l.mu.Lock()
	b := l.inflight
	if b == nil {
		l.mu.Unlock()
		return nil, reverrors.NewEpochStateError(reverrors.ErrNothingToCommit,
			"No closed epoch of issuer '%s' is awaiting commit", l.issuer)
	}
	a := l.start(b)
	l.mu.Unlock()
	return l.await(ctx, b, a)
}

// Rebase replaces the history with the primes for which keep returns true
// and recomputes the value from scratch. Pending primes are filtered the same
// way. The rebase is published as its own epoch so every earlier witness goes
// stale. It fails with an EpochStateError while a batch is in flight.
func (l *Ledger) Rebase(ctx context.Context, keep func(*big.Int) bool) (*CommitStatus, error) {
	l.mu.Lock()
	if l.inflight != nil {
		l.mu.Unlock()
		return nil, reverrors.NewEpochStateError(reverrors.ErrCommitInFlight,
			"Epoch %d of issuer '%s' is still committing", l.inflight.epoch, l.issuer)
	}
	kept := make([]*big.Int, 0, len(l.history))
	dropped := map[string]struct{}{}
	for _, p := range l.history {
		if keep(p) {
			kept = append(kept, p)
		} else {
			dropped[key(p)] = struct{}{}
		}
	}
	pending := l.pending[:0:0]
	for _, p := range l.pending {
		if keep(p) {
			pending = append(pending, p)
		} else {
			delete(l.pendingSet, key(p))
		}
	}
	l.pending = pending
	b := &batch{epoch: l.open, replace: kept, dropped: dropped}
	l.open++
	l.inflight = b
	a := l.start(b)
	l.mu.Unlock()
	log.Infof("Rebasing issuer '%s': keeping %d of %d primes", l.issuer, len(kept), len(l.history))
	return l.await(ctx, b, a)
}

// seal moves the pending set into a new in-flight batch and opens the next
// epoch. Must hold l.mu.
func (l *Ledger) seal() *batch {
	b := &batch{
		epoch:   l.open,
		primes:  l.pending,
		product: accumulator.Product(l.pending),
	}
	l.pending = nil
	l.pendingSet = map[string]struct{}{}
	l.open++
	l.inflight = b
	log.Debugf("Closed epoch %d of issuer '%s' with %d primes", b.epoch, l.issuer, len(b.primes))
	return b
}

// start launches a commit attempt for b unless one is running. Must hold l.mu.
func (l *Ledger) start(b *batch) *attempt {
	if b.current != nil {
		select {
		case <-b.current.done:
			// previous attempt failed, retry
		default:
			return b.current
		}
	}
	a := &attempt{done: make(chan struct{})}
	b.current = a
	go l.run(b, a)
	return a
}

func (l *Ledger) await(ctx context.Context, b *batch, a *attempt) (*CommitStatus, error) {
	select {
	case <-a.done:
		if a.err != nil {
			return nil, a.err
		}
		return a.status, nil
	case <-ctx.Done():
		log.Infof("Epoch %d of issuer '%s' is still committing", b.epoch, l.issuer)
		return &CommitStatus{State: Committing, Epoch: b.epoch, Primes: len(b.primes)}, nil
	}
}

// run computes and publishes b. Only one attempt runs at a time and nothing
// else publishes snapshots while b is in flight.
func (l *Ledger) run(b *batch, a *attempt) {
	defer close(a.done)
	start := time.Now()
	prev := l.snap.Load()

	rec := &CommitRecord{Issuer: l.issuer, Previous: prev}
	if b.replace != nil {
		rec.Primes = b.replace
		rec.Replace = true
		rec.Snapshot = &accumulator.Snapshot{
			Issuer: l.issuer,
			Epoch:  b.epoch,
			Value:  accumulator.Replay(l.params, b.replace),
			Count:  len(b.replace),
		}
	} else {
		rec.Primes = b.primes
		value := accumulator.UpdateWithProduct(l.params, prev.Value, b.product)
		rec.Snapshot = prev.Next(value, len(b.primes))
	}
	if rec.Snapshot.Epoch != b.epoch {
		a.err = reverrors.NewEpochStateError(reverrors.ErrEpochSequence,
			"Batch for epoch %d does not follow published epoch %d", b.epoch, prev.Epoch)
		return
	}

	if l.commit != nil {
		if err := l.commit(context.Background(), rec); err != nil {
			log.Errorf("Failed to commit epoch %d of issuer '%s': %s", b.epoch, l.issuer, err)
			a.err = errors.WithMessagef(err, "Failed to commit epoch %d of issuer '%s'", b.epoch, l.issuer)
			return
		}
	}

	l.mu.Lock()
	if rec.Replace {
		l.history = append([]*big.Int(nil), rec.Primes...)
		l.committed = make(map[string]uint64, len(l.history))
		for _, p := range l.history {
			l.committed[key(p)] = b.epoch
		}
	} else {
		l.history = append(l.history, rec.Primes...)
		for _, p := range rec.Primes {
			l.committed[key(p)] = b.epoch
		}
	}
	l.snap.Store(rec.Snapshot)
	l.inflight = nil
	l.mu.Unlock()

	a.status = &CommitStatus{
		State:    Open,
		Epoch:    b.epoch,
		Snapshot: rec.Snapshot,
		Primes:   len(rec.Primes),
		Duration: time.Since(start),
	}
	log.Infof("Committed epoch %d of issuer '%s': %d primes in %s", b.epoch, l.issuer, len(rec.Primes), a.status.Duration)
}
