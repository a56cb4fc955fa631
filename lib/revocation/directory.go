/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package revocation

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cloudflare/cfssl/log"
	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/hyperledger/fabric-revocation/lib/epoch"
	"github.com/hyperledger/fabric-revocation/lib/filter"
	"github.com/hyperledger/fabric-revocation/lib/reverrors"
	"github.com/hyperledger/fabric-revocation/lib/server/metrics"
	"github.com/hyperledger/fabric-revocation/lib/store"
	"github.com/pkg/errors"
)

// Directory is the IssuerDirectory backed by a PersistenceStore
type Directory struct {
	cfg     *Config
	params  *accumulator.GroupParameters
	store   PersistenceStore
	metrics *metrics.Metrics

	mu      sync.RWMutex
	issuers map[string]*Issuer
}

// NewDirectory returns an empty directory. Load restores the issuers
// already in st.
func NewDirectory(cfg *Config, params *accumulator.GroupParameters, st PersistenceStore, m *metrics.Metrics) *Directory {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Directory{
		cfg:     cfg,
		params:  params,
		store:   st,
		metrics: m,
		issuers: map[string]*Issuer{},
	}
}

// Store returns the persistence store of the directory
func (d *Directory) Store() PersistenceStore {
	return d.store
}

// Load restores every issuer found in the store
func (d *Directory) Load(ctx context.Context) error {
	names, err := d.store.Issuers(ctx)
	if err != nil {
		return errors.WithMessage(err, "Failed to list issuers")
	}
	for _, name := range names {
		d.mu.RLock()
		_, ok := d.issuers[name]
		d.mu.RUnlock()
		if ok {
			continue
		}
		state, err := d.store.LoadIssuer(ctx, name)
		if err != nil {
			return errors.WithMessagef(err, "Failed to load issuer '%s'", name)
		}
		is, err := d.restore(state)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.issuers[name] = is
		d.mu.Unlock()
	}
	log.Infof("Loaded %d issuers", len(names))
	return nil
}

// Onboard creates the revocation scope of a new issuer: a genesis snapshot
// and an empty filter sized by ic. It fails if the issuer exists.
func (d *Directory) Onboard(ctx context.Context, name string, ic *IssuerConfig) (*Issuer, error) {
	if err := checkIssuerName(name); err != nil {
		return nil, err
	}
	cfg := d.cfg.Filter
	if ic != nil {
		cfg = *ic
	}
	if err := cfg.Init(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.issuers[name]; ok {
		return nil, reverrors.NewValidationError(reverrors.ErrIssuerExists, "Issuer '%s' is already onboarded", name)
	}
	_, err := d.store.LoadIssuer(ctx, name)
	if err == nil {
		return nil, reverrors.NewValidationError(reverrors.ErrIssuerExists, "Issuer '%s' is already stored", name)
	}
	if !store.IsNotFound(err) {
		return nil, errors.WithMessagef(err, "Failed to look up issuer '%s'", name)
	}

	f, err := filter.New(cfg.Capacity, cfg.FPRate)
	if err != nil {
		return nil, err
	}
	fs, err := f.State()
	if err != nil {
		return nil, err
	}
	state := &store.IssuerState{
		Name:     name,
		Snapshot: accumulator.Genesis(name, d.params),
		Filter:   fs,
	}
	if err = d.store.PutIssuer(ctx, state); err != nil {
		return nil, errors.WithMessagef(err, "Failed to store issuer '%s'", name)
	}
	is, err := newIssuer(state, d.params, d.store, d.metrics)
	if err != nil {
		return nil, err
	}
	d.issuers[name] = is
	log.Infof("Onboarded issuer '%s' with filter capacity %d at false positive rate %v", name, cfg.Capacity, cfg.FPRate)
	return is, nil
}

// restore checks a stored issuer state and builds the issuer from it
func (d *Directory) restore(state *store.IssuerState) (*Issuer, error) {
	if state.Snapshot == nil || state.Filter == nil {
		return nil, reverrors.NewValidationError(reverrors.ErrBadSnapshot, "Stored state of issuer '%s' is incomplete", state.Name)
	}
	if d.cfg.VerifyOnLoad {
		replayed := accumulator.Replay(d.params, state.History)
		if replayed.Cmp(state.Snapshot.Value) != 0 {
			return nil, reverrors.NewValidationError(reverrors.ErrBadSnapshot,
				"Stored accumulator value of issuer '%s' at epoch %d does not match its prime history",
				state.Name, state.Snapshot.Epoch)
		}
	}
	f, err := filter.FromState(state.Filter)
	if err != nil {
		return nil, errors.WithMessagef(err, "Failed to restore membership filter of issuer '%s'", state.Name)
	}
	missing := 0
	for _, p := range state.History {
		if !f.Test(p) {
			if err = f.Add(p); err != nil {
				return nil, err
			}
			missing++
		}
	}
	if missing > 0 {
		log.Warningf("Membership filter of issuer '%s' was missing %d committed primes; they were added back", state.Name, missing)
		if state.Filter, err = f.State(); err != nil {
			return nil, err
		}
	}
	return newIssuer(state, d.params, d.store, d.metrics)
}

// Decommission removes an issuer and all of its stored state. Staged but
// uncommitted revocations are discarded.
func (d *Directory) Decommission(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	is, ok := d.issuers[name]
	if !ok {
		return reverrors.NewValidationError(reverrors.ErrIssuerNotFound, "Issuer '%s' is not onboarded", name)
	}
	if is.ledger.State() == epoch.Committing {
		return reverrors.NewEpochStateError(reverrors.ErrCommitInFlight,
			"Issuer '%s' has an epoch in flight; retry once it is committed", name)
	}
	if n := len(is.ledger.Pending()); n > 0 {
		log.Warningf("Decommissioning issuer '%s' discards %d staged revocations", name, n)
	}
	if err := d.store.DeleteIssuer(ctx, name); err != nil {
		return errors.WithMessagef(err, "Failed to delete issuer '%s'", name)
	}
	delete(d.issuers, name)
	log.Infof("Decommissioned issuer '%s'", name)
	return nil
}

// Lookup returns the onboarded issuer name
func (d *Directory) Lookup(name string) (*Issuer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	is, ok := d.issuers[name]
	if !ok {
		return nil, reverrors.NewValidationError(reverrors.ErrIssuerNotFound, "Issuer '%s' is not onboarded", name)
	}
	return is, nil
}

// Issuers returns the onboarded issuer names in ascending order
func (d *Directory) Issuers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.issuers))
	for name := range d.issuers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkIssuerName(name string) error {
	if strings.TrimSpace(name) == "" {
		return reverrors.NewValidationError(reverrors.ErrIssuerNotFound, "Issuer name is empty")
	}
	if strings.ContainsRune(name, 0) {
		return reverrors.NewValidationError(reverrors.ErrIssuerNotFound, "Issuer name contains a NUL character")
	}
	return nil
}
