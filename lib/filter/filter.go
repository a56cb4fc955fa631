/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package filter implements the per-issuer membership pre-filter: a Bloom
// filter over prime images of revoked identifiers. A negative answer is
// authoritative, a positive one must be resolved with a witness.
package filter

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/big"
	"sync"

	"github.com/cloudflare/cfssl/log"
	"github.com/hyperledger/fabric-revocation/lib/reverrors"
	"github.com/pkg/errors"
	"github.com/willf/bitset"
)

// Domain separates filter hashing from every other use of SHA-256 over primes
const Domain = "fabric-revocation/filter/v1"

// SaltSize is the size of the per-generation hashing salt
const SaltSize = 16

// Filter is a Bloom filter sized once from a capacity and a target false
// positive rate. Bits are only ever set; Rollover is the only way to clear them.
type Filter struct {
	mu         sync.RWMutex
	mBits      uint
	k          uint
	capacity   uint
	fpRate     float64
	salt       [SaltSize]byte
	inserted   uint64
	generation uint64
	bits       *bitset.BitSet
}

// State is the persisted form of a Filter
type State struct {
	MBits      uint
	K          uint
	Capacity   uint
	FPRate     float64
	Salt       [SaltSize]byte
	Inserted   uint64
	Generation uint64
	Bits       []byte
}

// Size returns the bit array length m and hash count k for n elements at false
// positive rate p: m = ceil(-n ln p / ln^2 2), k = round(m/n ln 2).
func Size(capacity uint, fpRate float64) (mBits uint, k uint, err error) {
	if capacity == 0 {
		return 0, 0, reverrors.NewValidationError(reverrors.ErrBadFilterParams, "Filter capacity must be positive")
	}
	if !(fpRate > 0 && fpRate < 1) {
		return 0, 0, reverrors.NewValidationError(reverrors.ErrBadFilterParams,
			"Filter false positive rate must be in (0, 1), got %v", fpRate)
	}
	n := float64(capacity)
	m := math.Ceil(-n * math.Log(fpRate) / (math.Ln2 * math.Ln2))
	kf := math.Round(m / n * math.Ln2)
	if kf < 1 {
		kf = 1
	}
	return uint(m), uint(kf), nil
}

// New returns an empty filter sized for capacity elements at fpRate
func New(capacity uint, fpRate float64) (*Filter, error) {
	m, k, err := Size(capacity, fpRate)
	if err != nil {
		return nil, err
	}
	f := &Filter{
		mBits:    m,
		k:        k,
		capacity: capacity,
		fpRate:   fpRate,
		bits:     bitset.New(m),
	}
	if err := newSalt(&f.salt); err != nil {
		return nil, err
	}
	log.Debugf("Created membership filter: capacity=%d, fpRate=%v, m=%d, k=%d", capacity, fpRate, m, k)
	return f, nil
}

func newSalt(salt *[SaltSize]byte) error {
	if _, err := rand.Read(salt[:]); err != nil {
		return errors.Wrap(err, "Failed to generate filter salt")
	}
	return nil
}

// positions derives the k bit positions of prime by double hashing
func (f *Filter) positions(prime *big.Int) []uint {
	h := sha256.New()
	h.Write([]byte(Domain))
	h.Write(f.salt[:])
	h.Write(prime.Bytes())
	sum := h.Sum(nil)
	h1 := binary.BigEndian.Uint64(sum[0:8])
	h2 := binary.BigEndian.Uint64(sum[8:16]) | 1
	m := uint64(f.mBits)
	out := make([]uint, f.k)
	for i := range out {
		out[i] = uint((h1 + uint64(i)*h2) % m)
	}
	return out
}

// Add sets the bit positions of prime
func (f *Filter) Add(prime *big.Int) error {
	if prime == nil || prime.Sign() <= 0 {
		return reverrors.NewValidationError(reverrors.ErrBadIdentifier, "Cannot add an empty prime to the filter")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.positions(prime) {
		f.bits.Set(j)
	}
	f.inserted++
	if f.inserted == uint64(f.capacity)+1 {
		log.Warningf("Membership filter exceeded its capacity of %d; false positive rate will degrade", f.capacity)
	}
	return nil
}

// Test reports whether prime is possibly in the filter. False means
// definitely not added since the last rollover.
func (f *Filter) Test(prime *big.Int) bool {
	if prime == nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, j := range f.positions(prime) {
		if !f.bits.Test(j) {
			return false
		}
	}
	return true
}

// EstimatedFPRate is the expected false positive rate given the current fill
// ratio of the bit array
func (f *Filter) EstimatedFPRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fill := float64(f.bits.Count()) / float64(f.mBits)
	return math.Pow(fill, float64(f.k))
}

// Saturated reports whether more elements than the declared capacity were added
func (f *Filter) Saturated() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.inserted > uint64(f.capacity)
}

// Inserted returns the number of Add calls since the last rollover
func (f *Filter) Inserted() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.inserted
}

// Generation counts rollovers
func (f *Filter) Generation() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.generation
}

// Params returns the sizing of the filter
func (f *Filter) Params() (mBits, k, capacity uint, fpRate float64) {
	return f.mBits, f.k, f.capacity, f.fpRate
}

// Rollover clears every bit and starts a new generation with a fresh salt.
// Callers must re-add every prime that should remain revoked.
func (f *Filter) Rollover() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := newSalt(&f.salt); err != nil {
		return err
	}
	f.bits.ClearAll()
	f.inserted = 0
	f.generation++
	log.Infof("Membership filter rolled over to generation %d", f.generation)
	return nil
}

// State returns a copy of the filter for persistence
func (f *Filter) State() (*State, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	raw, err := f.bits.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to encode filter bits")
	}
	return &State{
		MBits:      f.mBits,
		K:          f.k,
		Capacity:   f.capacity,
		FPRate:     f.fpRate,
		Salt:       f.salt,
		Inserted:   f.inserted,
		Generation: f.generation,
		Bits:       raw,
	}, nil
}

// FromState restores a filter saved with State
func FromState(s *State) (*Filter, error) {
	if s == nil || s.MBits == 0 || s.K == 0 || s.Capacity == 0 {
		return nil, reverrors.NewValidationError(reverrors.ErrBadFilterParams, "Persisted filter state is incomplete")
	}
	bits := &bitset.BitSet{}
	if err := bits.UnmarshalBinary(s.Bits); err != nil {
		return nil, errors.Wrap(err, "Failed to decode filter bits")
	}
	if bits.Len() != s.MBits {
		return nil, reverrors.NewValidationError(reverrors.ErrBadFilterParams,
			"Persisted filter has %d bits, expected %d", bits.Len(), s.MBits)
	}
	return &Filter{
		mBits:      s.MBits,
		k:          s.K,
		capacity:   s.Capacity,
		fpRate:     s.FPRate,
		salt:       s.Salt,
		inserted:   s.Inserted,
		generation: s.Generation,
		bits:       bits,
	}, nil
}
