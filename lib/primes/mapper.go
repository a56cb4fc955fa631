/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package primes maps credential identifiers onto fixed bit length primes.
//
// The mapping is deterministic: the same identifier always yields the same
// prime, so the prime image can be recomputed by any party that knows the
// identifier and the mapper settings. Only the prime image is ever handed to
// the accumulator and the membership filter.
package primes

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/big"

	"github.com/cloudflare/cfssl/log"
	"github.com/hyperledger/fabric-revocation/lib/reverrors"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultBits is the default bit length of mapped primes
	DefaultBits = 256
	// MinBits is the smallest supported prime bit length
	MinBits = 32
	// DefaultRetryBudget is the default number of odd candidates probed before
	// giving up. The expected prime gap around 2^256 is ~177, so this bound is
	// only hit when something is badly wrong.
	DefaultRetryBudget = 4096
	// DefaultDomain separates this mapping from other uses of the same identifiers
	DefaultDomain = "fabric-revocation/prime/v1"
	// MillerRabinRounds is the number of Miller-Rabin rounds used on top of the
	// Baillie-PSW test performed by ProbablyPrime
	MillerRabinRounds = 20
)

var two = big.NewInt(2)

// Mapper derives primes from identifiers
type Mapper struct {
	bits   int
	budget int
	domain []byte
}

// Option configures a Mapper
type Option func(*Mapper)

// WithBits sets the bit length of produced primes
func WithBits(bits int) Option {
	return func(m *Mapper) {
		m.bits = bits
	}
}

// WithRetryBudget sets the number of candidates probed per identifier
func WithRetryBudget(budget int) Option {
	return func(m *Mapper) {
		m.budget = budget
	}
}

// WithDomain sets the domain separation label
func WithDomain(domain string) Option {
	return func(m *Mapper) {
		m.domain = []byte(domain)
	}
}

// New returns a Mapper. Invalid option values fall back to the defaults.
func New(opts ...Option) *Mapper {
	m := &Mapper{
		bits:   DefaultBits,
		budget: DefaultRetryBudget,
		domain: []byte(DefaultDomain),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bits < MinBits {
		log.Warningf("Prime bit length %d is below the minimum, using %d", m.bits, MinBits)
		m.bits = MinBits
	}
	if m.budget <= 0 {
		m.budget = DefaultRetryBudget
	}
	return m
}

// Bits returns the bit length of the primes produced by this mapper
func (m *Mapper) Bits() int {
	return m.bits
}

// Map returns the prime image of identifier
func (m *Mapper) Map(identifier []byte) (*big.Int, error) {
	if len(identifier) == 0 {
		return nil, reverrors.NewValidationError(reverrors.ErrBadIdentifier, "Identifier must not be empty")
	}
	candidate, err := m.candidate(identifier)
	if err != nil {
		return nil, err
	}
	for i := 0; i < m.budget; i++ {
		if candidate.BitLen() != m.bits {
			break
		}
		if candidate.ProbablyPrime(MillerRabinRounds) {
			return candidate, nil
		}
		candidate.Add(candidate, two)
	}
	return nil, reverrors.NewArithmeticError(reverrors.ErrPrimeBudget,
		"No %d-bit prime found within %d candidates", m.bits, m.budget)
}

// MapString is Map for string identifiers
func (m *Mapper) MapString(identifier string) (*big.Int, error) {
	return m.Map([]byte(identifier))
}

// candidate expands identifier into an odd integer of exactly m.bits bits
func (m *Mapper) candidate(identifier []byte) (*big.Int, error) {
	nbytes := (m.bits + 7) / 8
	buf := make([]byte, nbytes)
	r := hkdf.New(sha256.New, identifier, m.domain, []byte("prime-candidate"))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "Failed to expand identifier")
	}
	c := new(big.Int).SetBytes(buf)
	// Drop excess high bits, then pin the top bit and make the candidate odd
	excess := nbytes*8 - m.bits
	if excess > 0 {
		c.Rsh(c, uint(excess))
	}
	c.SetBit(c, m.bits-1, 1)
	c.SetBit(c, 0, 1)
	return c, nil
}

// Short returns a short hex prefix of p for log messages
func Short(p *big.Int) string {
	if p == nil {
		return "<nil>"
	}
	b := p.Bytes()
	if len(b) > 6 {
		b = b[:6]
	}
	return hex.EncodeToString(b)
}
