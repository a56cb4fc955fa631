/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package revocation is the public entry point of the revocation engine. A
// Coordinator sequences revoke, check and verify calls across the prime
// mapper, the membership filter and the epoch ledger of each issuer.
//
// A revocation is visible to filter based checks as soon as Revoke returns;
// it becomes cryptographically provable only once the epoch it was staged in
// is committed.
package revocation

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/hyperledger/fabric-revocation/lib/epoch"
	"github.com/hyperledger/fabric-revocation/lib/filter"
	"github.com/hyperledger/fabric-revocation/lib/primes"
	"github.com/hyperledger/fabric-revocation/lib/reverrors"
	"github.com/hyperledger/fabric-revocation/lib/server/metrics"
	"github.com/hyperledger/fabric-revocation/lib/store"
	"github.com/hyperledger/fabric/common/metrics/disabled"
	"github.com/pkg/errors"
)

// Check results recorded in the check counter
const (
	resultNotRevoked    = "not_revoked"
	resultMaybeRevoked  = "maybe_revoked"
	resultRevoked       = "revoked"
	resultIndeterminate = "indeterminate"
)

// Status is the answer to a revocation check. When Authoritative is false
// the answer is "maybe revoked" and must be resolved with a witness.
type Status struct {
	Revoked       bool
	Authoritative bool
	// Epoch is the snapshot epoch the answer refers to
	Epoch uint64
}

func (s Status) result() string {
	switch {
	case !s.Authoritative:
		return resultMaybeRevoked
	case s.Revoked:
		return resultRevoked
	default:
		return resultNotRevoked
	}
}

// Receipt is returned by Revoke
type Receipt struct {
	Issuer string
	// Epoch is the epoch whose commit makes the revocation provable
	Epoch uint64
}

// Provable reports whether snap already proves the revocation
func (r *Receipt) Provable(snap *accumulator.Snapshot) bool {
	return snap != nil && snap.Issuer == r.Issuer && snap.Epoch >= r.Epoch
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithMapper sets the prime mapper
func WithMapper(m *primes.Mapper) Option {
	return func(c *Coordinator) {
		c.mapper = m
	}
}

// WithBinder sets the credential binder used by RevokeCredential
func WithBinder(b CredentialBinder) Option {
	return func(c *Coordinator) {
		c.binder = b
	}
}

// WithMetrics sets the metrics the coordinator records to
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithAnchoring submits the records queued in outbox to pl
func WithAnchoring(pl PublicLedger, outbox store.AnchorOutbox) Option {
	return func(c *Coordinator) {
		c.publisher = pl
		c.outbox = outbox
	}
}

// WithCommitTimeout bounds how long an epoch close waits for its commit
func WithCommitTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.commitTimeout = d
	}
}

// Coordinator is the revocation engine entry point
type Coordinator struct {
	dir           IssuerDirectory
	mapper        *primes.Mapper
	binder        CredentialBinder
	metrics       *metrics.Metrics
	publisher     PublicLedger
	outbox        store.AnchorOutbox
	commitTimeout time.Duration

	obsMu     sync.RWMutex
	observers []RevocationObserver

	flushMu sync.Mutex
}

// NewCoordinator returns a coordinator over the issuers of dir
func NewCoordinator(dir IssuerDirectory, opts ...Option) *Coordinator {
	c := &Coordinator{
		dir:    dir,
		binder: HashBinder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.mapper == nil {
		c.mapper = primes.New()
	}
	if c.metrics == nil {
		c.metrics = metrics.New(&disabled.Provider{})
	}
	return c
}

// Directory returns the issuer directory
func (c *Coordinator) Directory() IssuerDirectory {
	return c.dir
}

func (c *Coordinator) prime(issuer string, id Identifier) (*Issuer, *big.Int, error) {
	if len(id) == 0 {
		return nil, nil, reverrors.NewValidationError(reverrors.ErrBadIdentifier, "Identifier is empty")
	}
	is, err := c.dir.Lookup(issuer)
	if err != nil {
		return nil, nil, err
	}
	p, err := c.mapper.Map(id)
	if err != nil {
		return nil, nil, err
	}
	return is, p, nil
}

// Revoke revokes id for issuer. It returns as soon as the prime is in the
// filter and staged in the open epoch.
func (c *Coordinator) Revoke(issuer string, id Identifier) (*Receipt, error) {
	is, p, err := c.prime(issuer, id)
	if err != nil {
		return nil, err
	}
	e, err := is.revoke(p)
	if err != nil {
		return nil, err
	}
	c.metrics.Revocations.With("issuer", issuer).Add(1)
	c.obsMu.RLock()
	for _, o := range c.observers {
		o.Observe(issuer)
	}
	c.obsMu.RUnlock()
	log.Debugf("Revoked prime %s of issuer '%s' in epoch %d", primes.Short(p), issuer, e)
	return &Receipt{Issuer: issuer, Epoch: e}, nil
}

// RevokeCredential binds credentialID to its identifier and revokes it
func (c *Coordinator) RevokeCredential(issuer, credentialID string) (*Receipt, error) {
	id, err := c.binder.Bind(issuer, credentialID)
	if err != nil {
		return nil, errors.WithMessagef(err, "Failed to bind credential of issuer '%s'", issuer)
	}
	return c.Revoke(issuer, id)
}

// Bind returns the identifier of an application credential id
func (c *Coordinator) Bind(issuer, credentialID string) (Identifier, error) {
	return c.binder.Bind(issuer, credentialID)
}

// IsRevoked consults the filter only. A negative is authoritative; a
// positive is reported as {Revoked: true, Authoritative: false}.
func (c *Coordinator) IsRevoked(issuer string, id Identifier) (Status, error) {
	is, p, err := c.prime(issuer, id)
	if err != nil {
		return Status{}, err
	}
	st := test(is, p)
	c.count(issuer, st.result())
	return st, nil
}

func test(is *Issuer, p *big.Int) Status {
	snap := is.Snapshot()
	if !is.Filter().Test(p) {
		return Status{Revoked: false, Authoritative: true, Epoch: snap.Epoch}
	}
	return Status{Revoked: true, Authoritative: false, Epoch: snap.Epoch}
}

// VerifyRevocation checks w against snap. A verified membership witness
// means revoked and a verified non-membership witness means not revoked,
// both authoritative as of snap. Any failure is returned together with an
// indeterminate status, never as "not revoked".
func (c *Coordinator) VerifyRevocation(issuer string, id Identifier, w *accumulator.Witness, snap *accumulator.Snapshot) (Status, error) {
	indeterminate := Status{Revoked: true, Authoritative: false}
	if snap != nil {
		indeterminate.Epoch = snap.Epoch
	}
	is, p, err := c.prime(issuer, id)
	if err != nil {
		return indeterminate, err
	}
	st, err := verify(is, p, w, snap)
	if err != nil {
		c.count(issuer, resultIndeterminate)
		return indeterminate, err
	}
	c.count(issuer, st.result())
	return st, nil
}

func verify(is *Issuer, p *big.Int, w *accumulator.Witness, snap *accumulator.Snapshot) (Status, error) {
	if w == nil {
		return Status{}, reverrors.NewValidationError(reverrors.ErrBadWitness, "Witness is required")
	}
	if snap == nil || snap.Issuer != is.Name() {
		return Status{}, reverrors.NewValidationError(reverrors.ErrBadWitness,
			"Accumulator snapshot does not belong to issuer '%s'", is.Name())
	}
	if err := is.checkPublished(snap); err != nil {
		return Status{}, err
	}
	if err := accumulator.CheckWitness(is.Params(), w, snap, p, w.Claim); err != nil {
		return Status{}, err
	}
	return Status{
		Revoked:       w.Claim == accumulator.ClaimMembership,
		Authoritative: true,
		Epoch:         snap.Epoch,
	}, nil
}

// Prove computes a witness for id against the latest snapshot: membership
// if its prime is committed, non-membership otherwise
func (c *Coordinator) Prove(issuer string, id Identifier) (*accumulator.Witness, *accumulator.Snapshot, error) {
	is, p, err := c.prime(issuer, id)
	if err != nil {
		return nil, nil, err
	}
	return prove(is, p)
}

func prove(is *Issuer, p *big.Int) (*accumulator.Witness, *accumulator.Snapshot, error) {
	snap, history := is.ledger.View()
	var (
		w   *accumulator.Witness
		err error
	)
	if accumulator.Contains(history, p) {
		w, err = accumulator.ProveMembership(is.Params(), snap, history, p)
	} else {
		w, err = accumulator.ProveNonMembership(is.Params(), snap, history, p)
	}
	if err != nil {
		return nil, nil, err
	}
	return w, snap, nil
}

// Resolve answers a check authoritatively where possible: a filter negative
// is returned as is, a filter positive is resolved with a witness against
// the latest snapshot. A prime staged but not yet committed stays
// {Revoked: true, Authoritative: false} until its epoch is committed.
func (c *Coordinator) Resolve(issuer string, id Identifier) (Status, error) {
	is, p, err := c.prime(issuer, id)
	if err != nil {
		return Status{}, err
	}
	st := test(is, p)
	if st.Authoritative {
		c.count(issuer, st.result())
		return st, nil
	}
	if loc, _ := is.ledger.Locate(p); loc == epoch.Pending || loc == epoch.Sealed {
		c.count(issuer, st.result())
		return st, nil
	}
	w, snap, err := prove(is, p)
	if err == nil {
		var resolved Status
		if resolved, err = verify(is, p, w, snap); err == nil {
			c.count(issuer, resolved.result())
			return resolved, nil
		}
	}
	c.count(issuer, resultIndeterminate)
	return st, err
}

func (c *Coordinator) count(issuer, result string) {
	c.metrics.Checks.With("issuer", issuer, "result", result).Add(1)
}

// CloseEpoch closes the open epoch of issuer and submits its anchor record.
// When the commit outlasts the commit timeout or ctx, the returned status is
// still Committing.
func (c *Coordinator) CloseEpoch(ctx context.Context, issuer string) (*epoch.CommitStatus, error) {
	cs, err := c.closeEpoch(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if cs.Committed() {
		c.flush(ctx)
	}
	return cs, nil
}

func (c *Coordinator) closeEpoch(ctx context.Context, issuer string) (*epoch.CommitStatus, error) {
	is, err := c.dir.Lookup(issuer)
	if err != nil {
		return nil, err
	}
	if c.commitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.commitTimeout)
		defer cancel()
	}
	cs, err := is.ledger.Close(ctx)
	if err != nil {
		return nil, err
	}
	if cs.Committed() {
		c.metrics.CommitDuration.With("issuer", issuer).Observe(cs.Duration.Seconds())
	}
	return cs, nil
}

// CloseAll closes the open epoch of every issuer in parallel. The returned
// map holds the status of every issuer that did not fail.
func (c *Coordinator) CloseAll(ctx context.Context) (map[string]*epoch.CommitStatus, error) {
	names := c.dir.Issuers()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = make(map[string]*epoch.CommitStatus, len(names))
		failed   []string
		firstErr error
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			cs, err := c.closeEpoch(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Errorf("Failed to close epoch of issuer '%s': %s", name, err)
				failed = append(failed, name)
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			statuses[name] = cs
		}(name)
	}
	wg.Wait()
	c.flush(ctx)
	if firstErr != nil {
		return statuses, errors.WithMessagef(firstErr, "Failed to close epochs of %d issuers %v", len(failed), failed)
	}
	return statuses, nil
}

// Maintain recomputes the accumulator of issuer from the committed primes
// for which keep returns true, then rebuilds the filter from what remains.
// This is the only way to remove a revocation. If the recomputation is still
// committing when ctx expires, the filter is left alone and RebuildFilter
// must be called once it has been committed.
func (c *Coordinator) Maintain(ctx context.Context, issuer string, keep func(*big.Int) bool) (*epoch.CommitStatus, error) {
	is, err := c.dir.Lookup(issuer)
	if err != nil {
		return nil, err
	}
	cs, err := is.ledger.Rebase(ctx, keep)
	if err != nil {
		return nil, err
	}
	if !cs.Committed() {
		return cs, nil
	}
	if _, err = is.rebuildFilter(ctx); err != nil {
		return cs, err
	}
	c.flush(ctx)
	return cs, nil
}

// Reinstate removes the revocations of ids from issuer by maintenance
func (c *Coordinator) Reinstate(ctx context.Context, issuer string, ids ...Identifier) (*epoch.CommitStatus, error) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if len(id) == 0 {
			return nil, reverrors.NewValidationError(reverrors.ErrBadIdentifier, "Identifier is empty")
		}
		p, err := c.mapper.Map(id)
		if err != nil {
			return nil, err
		}
		drop[string(p.Bytes())] = struct{}{}
	}
	return c.Maintain(ctx, issuer, func(p *big.Int) bool {
		_, ok := drop[string(p.Bytes())]
		return !ok
	})
}

// RebuildFilter rolls the filter of issuer over and re-adds every prime the
// issuer holds, shedding false positives left by removed primes
func (c *Coordinator) RebuildFilter(ctx context.Context, issuer string) (*filter.Filter, error) {
	is, err := c.dir.Lookup(issuer)
	if err != nil {
		return nil, err
	}
	return is.rebuildFilter(ctx)
}

// FlushAnchors submits every queued anchor record to the public ledger. A
// failed record stops submission for its issuer so the chain stays in
// order. It returns the number of records submitted.
func (c *Coordinator) FlushAnchors(ctx context.Context) (int, error) {
	if c.publisher == nil || c.outbox == nil {
		return 0, nil
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	records, err := c.outbox.Unsubmitted(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "Failed to read queued anchor records")
	}
	var (
		sent     int
		firstErr error
		blocked  = map[string]bool{}
	)
	for _, r := range records {
		if blocked[r.Issuer] {
			continue
		}
		err = c.publisher.Anchor(ctx, r)
		if err == nil {
			err = c.outbox.MarkSubmitted(ctx, r.ID)
		}
		if err != nil {
			c.metrics.AnchorFailures.With("issuer", r.Issuer).Add(1)
			blocked[r.Issuer] = true
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "Failed to anchor epoch %d of issuer '%s'", r.Epoch, r.Issuer)
			}
			continue
		}
		sent++
	}
	return sent, firstErr
}

func (c *Coordinator) flush(ctx context.Context) {
	if _, err := c.FlushAnchors(ctx); err != nil {
		log.Warningf("Anchor records stay queued: %s", err)
	}
}

func (c *Coordinator) addObserver(o RevocationObserver) func() {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, x := range c.observers {
			if x == o {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// Run closes epochs on the signals of clocks until ctx is done. Clocks that
// are RevocationObservers are told about every revocation while Run runs.
func (c *Coordinator) Run(ctx context.Context, clocks ...EpochClock) {
	c.Watch(clocks...)(ctx)
}

// Watch registers the clocks that are RevocationObservers right away and
// returns the loop that closes epochs on the signals of clocks. The observers
// stay registered until the loop returns.
func (c *Coordinator) Watch(clocks ...EpochClock) func(ctx context.Context) {
	var removes []func()
	for _, clock := range clocks {
		if o, ok := clock.(RevocationObserver); ok {
			removes = append(removes, c.addObserver(o))
		}
	}
	return func(ctx context.Context) {
		defer func() {
			for _, remove := range removes {
				remove()
			}
		}()
		c.loop(ctx, clocks)
	}
}

func (c *Coordinator) loop(ctx context.Context, clocks []EpochClock) {
	signals := make(chan CloseSignal)
	var wg sync.WaitGroup
	for _, clock := range clocks {
		wg.Add(1)
		go func(ch <-chan CloseSignal) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sig, ok := <-ch:
					if !ok {
						return
					}
					select {
					case signals <- sig:
					case <-ctx.Done():
						return
					}
				}
			}
		}(clock.Signals())
	}
	go func() {
		wg.Wait()
		close(signals)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("Epoch clock loop stopped")
			return
		case sig, ok := <-signals:
			if !ok {
				log.Info("Every epoch clock stopped")
				return
			}
			c.handle(ctx, sig)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, sig CloseSignal) {
	log.Debugf("Close signal for issuer '%s': %s", sig.Issuer, sig.Reason)
	if sig.Issuer == "" {
		c.CloseAll(ctx)
		return
	}
	cs, err := c.closeEpoch(ctx, sig.Issuer)
	if err != nil {
		log.Errorf("Failed to close epoch of issuer '%s': %s", sig.Issuer, err)
		return
	}
	if cs.State == epoch.Committing {
		log.Infof("Epoch %d of issuer '%s' is still committing", cs.Epoch, sig.Issuer)
	}
	c.flush(ctx)
}
