/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package revocation_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/hyperledger/fabric-revocation/lib/anchor"
	"github.com/hyperledger/fabric-revocation/lib/epoch"
	"github.com/hyperledger/fabric-revocation/lib/reverrors"
	. "github.com/hyperledger/fabric-revocation/lib/revocation"
	"github.com/hyperledger/fabric-revocation/lib/revocation/mocks"
	"github.com/hyperledger/fabric-revocation/lib/server/metrics"
	"github.com/hyperledger/fabric-revocation/lib/store/memstore"
	"github.com/hyperledger/fabric-revocation/lib/store/storetest"
	"github.com/hyperledger/fabric/common/metrics/metricsfakes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const issuer = "org1"

type fixture struct {
	cfg    *Config
	params *accumulator.GroupParameters
	store  *memstore.Store
	dir    *Directory
	coord  *Coordinator
}

func newFixture(t *testing.T, params *accumulator.GroupParameters, opts ...Option) *fixture {
	cfg := &Config{
		VerifyOnLoad: true,
		Filter:       IssuerConfig{Capacity: 30, FPRate: 0.01},
	}
	require.NoError(t, cfg.Init())
	if params == nil {
		params = storetest.Params(t)
	}
	st := memstore.New()
	dir := NewDirectory(cfg, params, st, nil)
	_, err := dir.Onboard(context.Background(), issuer, nil)
	require.NoError(t, err)
	opts = append([]Option{WithMapper(cfg.Mapper())}, opts...)
	return &fixture{
		cfg:    cfg,
		params: params,
		store:  st,
		dir:    dir,
		coord:  NewCoordinator(dir, opts...),
	}
}

func (f *fixture) issuer(t *testing.T) *Issuer {
	is, err := f.dir.Lookup(issuer)
	require.NoError(t, err)
	return is
}

func (f *fixture) close(t *testing.T) *epoch.CommitStatus {
	cs, err := f.coord.CloseEpoch(context.Background(), issuer)
	require.NoError(t, err)
	require.True(t, cs.Committed())
	return cs
}

type fakes struct {
	metrics *metrics.Metrics
	checks  *metricsfakes.Counter
	revokes *metricsfakes.Counter
	anchors *metricsfakes.Counter
	commits *metricsfakes.Histogram
}

func newFakes() *fakes {
	counter := func() *metricsfakes.Counter {
		c := &metricsfakes.Counter{}
		c.WithReturns(c)
		return c
	}
	gauge := &metricsfakes.Gauge{}
	gauge.WithReturns(gauge)
	hist := &metricsfakes.Histogram{}
	hist.WithReturns(hist)
	f := &fakes{checks: counter(), revokes: counter(), anchors: counter(), commits: hist}
	f.metrics = &metrics.Metrics{
		Revocations:    f.revokes,
		Checks:         f.checks,
		CommitDuration: hist,
		Epoch:          gauge,
		Accumulated:    gauge,
		AnchorFailures: f.anchors,
	}
	return f
}

func TestRevokeCloseAndResolve(t *testing.T) {
	public, err := accumulator.Initialize(accumulator.MinTestSecurityBits, accumulator.WitnessPolicyPublic)
	require.NoError(t, err)
	policies := map[string]*accumulator.GroupParameters{
		"trapdoor": storetest.Params(t),
		"public":   public,
	}
	for name, params := range policies {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, params)
			for _, id := range []string{"a", "b"} {
				r, err := f.coord.Revoke(issuer, Identifier(id))
				require.NoError(t, err)
				assert.Equal(t, uint64(1), r.Epoch)
				assert.False(t, r.Provable(f.issuer(t).Snapshot()))
			}
			cs := f.close(t)
			assert.Equal(t, uint64(1), cs.Epoch)
			assert.Equal(t, 2, cs.Snapshot.Count)

			st, err := f.coord.Resolve(issuer, Identifier("a"))
			require.NoError(t, err)
			assert.Equal(t, Status{Revoked: true, Authoritative: true, Epoch: 1}, st)

			st, err = f.coord.IsRevoked(issuer, Identifier("c"))
			require.NoError(t, err)
			assert.Equal(t, Status{Revoked: false, Authoritative: true, Epoch: 1}, st)

			st, err = f.coord.Resolve(issuer, Identifier("c"))
			require.NoError(t, err)
			assert.False(t, st.Revoked)
			assert.True(t, st.Authoritative)
		})
	}
}

func TestRevokedButUncommittedIsNotAuthoritative(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.Revoke(issuer, Identifier("a"))
	require.NoError(t, err)

	st, err := f.coord.IsRevoked(issuer, Identifier("a"))
	require.NoError(t, err)
	assert.Equal(t, Status{Revoked: true, Authoritative: false, Epoch: 0}, st)

	st, err = f.coord.Resolve(issuer, Identifier("a"))
	require.NoError(t, err)
	assert.Equal(t, Status{Revoked: true, Authoritative: false, Epoch: 0}, st)

	_, _, err = f.coord.Prove(issuer, Identifier("a"))
	assert.NoError(t, err, "non-membership is provable until the epoch is committed")

	f.close(t)
	st, err = f.coord.Resolve(issuer, Identifier("a"))
	require.NoError(t, err)
	assert.Equal(t, Status{Revoked: true, Authoritative: true, Epoch: 1}, st)
}

func TestRevokeRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.coord.Revoke(issuer, nil)
	assert.True(t, reverrors.IsValidation(err))
	assert.Equal(t, reverrors.ErrBadIdentifier, reverrors.CodeOf(err))

	_, err = f.coord.Revoke("unknown", Identifier("a"))
	assert.True(t, reverrors.IsValidation(err))
	assert.Equal(t, reverrors.ErrIssuerNotFound, reverrors.CodeOf(err))

	_, err = f.coord.IsRevoked(issuer, Identifier{})
	assert.True(t, reverrors.IsValidation(err))
	assert.Empty(t, f.issuer(t).Ledger().Pending())
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		_, err := f.coord.Revoke(issuer, Identifier("a"))
		require.NoError(t, err)
	}
	assert.Len(t, f.issuer(t).Ledger().Pending(), 1)
	f.close(t)
	r, err := f.coord.Revoke(issuer, Identifier("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Epoch)
	assert.True(t, r.Provable(f.issuer(t).Snapshot()))
	assert.Empty(t, f.issuer(t).Ledger().Pending())
}

func TestVerifyRevocation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.Revoke(issuer, Identifier("a"))
	require.NoError(t, err)
	f.close(t)

	member, snap1, err := f.coord.Prove(issuer, Identifier("a"))
	require.NoError(t, err)
	assert.Equal(t, accumulator.ClaimMembership, member.Claim)
	st, err := f.coord.VerifyRevocation(issuer, Identifier("a"), member, snap1)
	require.NoError(t, err)
	assert.Equal(t, Status{Revoked: true, Authoritative: true, Epoch: 1}, st)

	nonMember, _, err := f.coord.Prove(issuer, Identifier("c"))
	require.NoError(t, err)
	assert.Equal(t, accumulator.ClaimNonMembership, nonMember.Claim)
	st, err = f.coord.VerifyRevocation(issuer, Identifier("c"), nonMember, snap1)
	require.NoError(t, err)
	assert.Equal(t, Status{Revoked: false, Authoritative: true, Epoch: 1}, st)

	t.Run("tampered witness is indeterminate", func(t *testing.T) {
		bad := *member
		bad.W = new(big.Int).Add(member.W, big.NewInt(1))
		st, err := f.coord.VerifyRevocation(issuer, Identifier("a"), &bad, snap1)
		assert.True(t, reverrors.IsProof(err))
		assert.Equal(t, Status{Revoked: true, Authoritative: false, Epoch: 1}, st)
	})

	t.Run("witness of another identifier is rejected", func(t *testing.T) {
		st, err := f.coord.VerifyRevocation(issuer, Identifier("a"), nonMember, snap1)
		assert.True(t, reverrors.IsProof(err))
		assert.False(t, st.Authoritative)
	})

	t.Run("missing witness is a validation error", func(t *testing.T) {
		st, err := f.coord.VerifyRevocation(issuer, Identifier("a"), nil, snap1)
		assert.True(t, reverrors.IsValidation(err))
		assert.True(t, st.Revoked)
		assert.False(t, st.Authoritative)
	})

	t.Run("snapshot of another issuer is rejected", func(t *testing.T) {
		other := *snap1
		other.Issuer = "org2"
		_, err := f.coord.VerifyRevocation(issuer, Identifier("a"), member, &other)
		assert.True(t, reverrors.IsValidation(err))
	})

	t.Run("stale witness is rejected against the next epoch", func(t *testing.T) {
		_, err := f.coord.Revoke(issuer, Identifier("d"))
		require.NoError(t, err)
		f.close(t)
		snap2 := f.issuer(t).Snapshot()
		_, err = f.coord.VerifyRevocation(issuer, Identifier("c"), nonMember, snap2)
		assert.Equal(t, reverrors.ErrStaleWitness, reverrors.CodeOf(err))

		st, err := f.coord.VerifyRevocation(issuer, Identifier("c"), nonMember, snap1)
		require.NoError(t, err)
		assert.Equal(t, Status{Revoked: false, Authoritative: true, Epoch: 1}, st)
	})
}

func TestVerifyRevocationRejectsUnpublishedSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.Revoke(issuer, Identifier("a"))
	require.NoError(t, err)
	f.close(t)
	p, err := f.cfg.Mapper().Map(Identifier("a"))
	require.NoError(t, err)

	// an accumulator holding nothing proves non-membership of anything
	forged := &accumulator.Snapshot{Issuer: issuer, Epoch: 1, Value: new(big.Int).Set(f.params.Generator)}
	w, err := accumulator.ProveNonMembership(f.params, forged, nil, p)
	require.NoError(t, err)
	require.True(t, accumulator.Verify(f.params, w, forged, p, accumulator.ClaimNonMembership))

	st, err := f.coord.VerifyRevocation(issuer, Identifier("a"), w, forged)
	require.Error(t, err)
	assert.True(t, reverrors.IsProof(err))
	assert.Equal(t, reverrors.ErrUnpublishedSnapshot, reverrors.CodeOf(err))
	assert.Equal(t, Status{Revoked: true, Authoritative: false, Epoch: 1}, st)

	future := *forged
	future.Epoch = 7
	w, err = accumulator.ProveNonMembership(f.params, &future, nil, p)
	require.NoError(t, err)
	st, err = f.coord.VerifyRevocation(issuer, Identifier("a"), w, &future)
	assert.True(t, reverrors.IsEpochState(err))
	assert.False(t, st.Authoritative)

	// the published snapshot still resolves
	st, err = f.coord.Resolve(issuer, Identifier("a"))
	require.NoError(t, err)
	assert.Equal(t, Status{Revoked: true, Authoritative: true, Epoch: 1}, st)
}

func TestRevokeConcurrentWithCloseIsNeverDropped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	const n = 40

	stop := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			select {
			case <-stop:
				return
			default:
			}
			_, err := f.coord.CloseEpoch(ctx, issuer)
			assert.NoError(t, err)
			time.Sleep(time.Millisecond)
		}
	}()

	ids := make([]Identifier, n)
	var wg sync.WaitGroup
	for i := range ids {
		ids[i] = Identifier([]byte{'x', byte(i)})
		wg.Add(1)
		go func(id Identifier) {
			defer wg.Done()
			_, err := f.coord.Revoke(issuer, id)
			assert.NoError(t, err)
		}(ids[i])
	}
	wg.Wait()
	close(stop)
	<-closed
	f.close(t)

	history := f.issuer(t).Ledger().History()
	require.Len(t, history, n)
	mapper := f.cfg.Mapper()
	for _, id := range ids {
		p, err := mapper.Map(id)
		require.NoError(t, err)
		found := 0
		for _, h := range history {
			if h.Cmp(p) == 0 {
				found++
			}
		}
		assert.Equal(t, 1, found)
	}
	snap := f.issuer(t).Snapshot()
	assert.Zero(t, accumulator.Replay(f.params, history).Cmp(snap.Value))
}

func TestEmptyCloseKeepsValue(t *testing.T) {
	f := newFixture(t, nil)
	before := f.issuer(t).Snapshot()
	f.close(t)
	cs := f.close(t)
	assert.Equal(t, uint64(2), cs.Snapshot.Epoch)
	assert.Zero(t, before.Value.Cmp(cs.Snapshot.Value))
}

func TestCloseAll(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.dir.Onboard(ctx, "org2", &IssuerConfig{Capacity: 10, FPRate: 0.05})
	require.NoError(t, err)
	_, err = f.coord.Revoke("org2", Identifier("a"))
	require.NoError(t, err)

	statuses, err := f.coord.CloseAll(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, 0, statuses[issuer].Snapshot.Count)
	assert.Equal(t, 1, statuses["org2"].Snapshot.Count)

	st, err := f.coord.Resolve(issuer, Identifier("a"))
	require.NoError(t, err)
	assert.False(t, st.Revoked)
	st, err = f.coord.Resolve("org2", Identifier("a"))
	require.NoError(t, err)
	assert.True(t, st.Revoked)
	assert.True(t, st.Authoritative)
}

func TestReinstate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := f.coord.Revoke(issuer, Identifier(id))
		require.NoError(t, err)
	}
	f.close(t)
	generation := f.issuer(t).Filter().Generation()

	cs, err := f.coord.Reinstate(ctx, issuer, Identifier("a"))
	require.NoError(t, err)
	require.True(t, cs.Committed())
	assert.Equal(t, uint64(2), cs.Snapshot.Epoch)
	assert.Equal(t, 1, cs.Snapshot.Count)
	assert.Equal(t, generation+1, f.issuer(t).Filter().Generation())

	st, err := f.coord.Resolve(issuer, Identifier("a"))
	require.NoError(t, err)
	assert.False(t, st.Revoked)
	assert.True(t, st.Authoritative)
	st, err = f.coord.Resolve(issuer, Identifier("b"))
	require.NoError(t, err)
	assert.Equal(t, Status{Revoked: true, Authoritative: true, Epoch: 2}, st)

	stored, err := f.store.LoadIssuer(ctx, issuer)
	require.NoError(t, err)
	assert.Len(t, stored.History, 1)
	assert.Equal(t, uint64(1), stored.Filter.Inserted)

	_, err = f.coord.Reinstate(ctx, issuer, nil)
	assert.True(t, reverrors.IsValidation(err))
}

func TestRevokeCredential(t *testing.T) {
	binder := &mocks.CredentialBinder{}
	binder.On("Bind", issuer, "cred-1").Return(Identifier("a"), nil)
	binder.On("Bind", issuer, "cred-2").Return(nil, errors.New("unknown credential"))
	f := newFixture(t, nil, WithBinder(binder))

	_, err := f.coord.RevokeCredential(issuer, "cred-1")
	require.NoError(t, err)
	_, err = f.coord.RevokeCredential(issuer, "cred-2")
	assert.EqualError(t, err, "Failed to bind credential of issuer 'org1': unknown credential")
	binder.AssertExpectations(t)

	st, err := f.coord.IsRevoked(issuer, Identifier("a"))
	require.NoError(t, err)
	assert.True(t, st.Revoked)
}

func TestHashBinder(t *testing.T) {
	a1, err := HashBinder{}.Bind("org1", "cred")
	require.NoError(t, err)
	a2, err := HashBinder{}.Bind("org1", "cred")
	require.NoError(t, err)
	b, err := HashBinder{}.Bind("org2", "cred")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Len(t, a1, 32)

	_, err = HashBinder{}.Bind("org1", "")
	assert.True(t, reverrors.IsValidation(err))
}

func TestAnchoring(t *testing.T) {
	pl := &mocks.PublicLedger{}
	pl.On("Anchor", mock.Anything, mock.Anything).Return(errors.New("ledger unavailable")).Once()
	pl.On("Anchor", mock.Anything, mock.Anything).Return(nil)
	fk := newFakes()
	f := newFixture(t, nil)
	st := f.store
	f.coord = NewCoordinator(f.dir, WithMapper(f.cfg.Mapper()), WithAnchoring(pl, st), WithMetrics(fk.metrics))

	f.close(t)
	queued, err := st.Unsubmitted(context.Background())
	require.NoError(t, err)
	assert.Len(t, queued, 1)
	assert.Equal(t, 1, fk.anchors.AddCallCount())

	_, err = f.coord.Revoke(issuer, Identifier("a"))
	require.NoError(t, err)
	f.close(t)
	queued, err = st.Unsubmitted(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queued)

	require.Len(t, pl.Calls, 3)
	var anchored []*anchor.Record
	for _, call := range pl.Calls[1:] {
		anchored = append(anchored, call.Arguments.Get(1).(*anchor.Record))
	}
	require.NoError(t, anchor.VerifyChain(anchored))
	assert.True(t, anchored[1].Matches(f.issuer(t).Snapshot()))
	assert.Equal(t, 2, fk.commits.ObserveCallCount())
	assert.Equal(t, 1, fk.revokes.AddCallCount())
}

func TestCheckMetrics(t *testing.T) {
	fk := newFakes()
	f := newFixture(t, nil, WithMetrics(fk.metrics))
	_, err := f.coord.Revoke(issuer, Identifier("a"))
	require.NoError(t, err)

	_, err = f.coord.IsRevoked(issuer, Identifier("a"))
	require.NoError(t, err)
	_, err = f.coord.IsRevoked(issuer, Identifier("c"))
	require.NoError(t, err)
	f.close(t)
	_, err = f.coord.Resolve(issuer, Identifier("a"))
	require.NoError(t, err)

	require.Equal(t, 3, fk.checks.AddCallCount())
	assert.Equal(t, []string{"issuer", issuer, "result", "maybe_revoked"}, fk.checks.WithArgsForCall(0))
	assert.Equal(t, []string{"issuer", issuer, "result", "not_revoked"}, fk.checks.WithArgsForCall(1))
	assert.Equal(t, []string{"issuer", issuer, "result", "revoked"}, fk.checks.WithArgsForCall(2))
	assert.Equal(t, []string{"issuer", issuer}, fk.revokes.WithArgsForCall(0))
}

func TestCloseReportsCommittingOnTimeout(t *testing.T) {
	f := newFixture(t, nil, WithCommitTimeout(time.Nanosecond))
	for i := 0; i < 20; i++ {
		_, err := f.coord.Revoke(issuer, Identifier([]byte{byte(i)}))
		require.NoError(t, err)
	}
	cs, err := f.coord.CloseEpoch(context.Background(), issuer)
	require.NoError(t, err)
	require.NotNil(t, cs)
	assert.Equal(t, uint64(1), cs.Epoch)
	require.Eventually(t, func() bool {
		return f.issuer(t).Snapshot().Epoch == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, 20, f.issuer(t).Snapshot().Count)
}

func TestRunClosesOnSignals(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	manual := NewManualClock(1)
	counter := NewCountClock(2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.coord.Run(ctx, manual, counter)
	}()

	manual.Trigger("", "test")
	require.Eventually(t, func() bool {
		return f.issuer(t).Snapshot().Epoch == 1
	}, 10*time.Second, 10*time.Millisecond)

	_, err := f.coord.Revoke(issuer, Identifier("a"))
	require.NoError(t, err)
	_, err = f.coord.Revoke(issuer, Identifier("b"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.issuer(t).Snapshot().Count == 2
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(2), f.issuer(t).Snapshot().Epoch)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
