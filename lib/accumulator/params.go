/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package accumulator

import (
	"crypto/rand"
	"io"
	"math/big"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/hyperledger/fabric-revocation/lib/reverrors"
	"github.com/pkg/errors"
)

const (
	// MinTestSecurityBits is the smallest modulus size accepted at all. Anything
	// this small is only suitable for tests.
	MinTestSecurityBits = 256
	// RecommendedSecurityBits is the smallest modulus size recommended for
	// production deployments
	RecommendedSecurityBits = 2048
	// MaxSecurityBits is the largest modulus size accepted
	MaxSecurityBits = 8192
	// maxSetupAttempts bounds the search for distinct factors and a generator
	maxSetupAttempts = 64
)

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// WitnessPolicy fixes, at setup time, whether the factorization of the
// modulus is retained
type WitnessPolicy string

const (
	// WitnessPolicyPublic discards the factorization after setup. Witnesses are
	// computed from the historical prime set at O(n) cost per proof and nobody
	// can forge a membership witness.
	WitnessPolicyPublic WitnessPolicy = "public"
	// WitnessPolicyTrapdoor keeps the factorization with a trusted custodian.
	// Witnesses cost one exponentiation with an exponent reduced modulo phi(n),
	// but whoever holds the trapdoor can produce a witness for any prime.
	WitnessPolicyTrapdoor WitnessPolicy = "trapdoor"
)

// ParseWitnessPolicy parses a policy name from configuration
func ParseWitnessPolicy(s string) (WitnessPolicy, error) {
	switch WitnessPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", WitnessPolicyPublic:
		return WitnessPolicyPublic, nil
	case WitnessPolicyTrapdoor:
		return WitnessPolicyTrapdoor, nil
	default:
		return "", reverrors.NewValidationError(reverrors.ErrWitnessPolicy,
			"Unknown witness policy '%s'; must be '%s' or '%s'", s, WitnessPolicyPublic, WitnessPolicyTrapdoor)
	}
}

// Trapdoor is the factorization of the modulus
type Trapdoor struct {
	P *big.Int
	Q *big.Int
}

// Phi returns (p-1)(q-1)
func (t *Trapdoor) Phi() *big.Int {
	p1 := new(big.Int).Sub(t.P, one)
	q1 := new(big.Int).Sub(t.Q, one)
	return p1.Mul(p1, q1)
}

// GroupParameters describes the hidden order group Z_n^* the accumulator lives in
type GroupParameters struct {
	Modulus   *big.Int
	Generator *big.Int
	// Trapdoor is only set under WitnessPolicyTrapdoor on the custodian's side
	Trapdoor *Trapdoor
}

// Initialize runs the one-time setup: the modulus is the product of two random
// primes of securityBits/2 bits each and the generator is a random quadratic
// residue. Under WitnessPolicyPublic the factors are dropped before returning.
func Initialize(securityBits int, policy WitnessPolicy) (*GroupParameters, error) {
	return initialize(rand.Reader, securityBits, policy)
}

func initialize(rnd io.Reader, securityBits int, policy WitnessPolicy) (*GroupParameters, error) {
	if securityBits < MinTestSecurityBits || securityBits%2 != 0 {
		return nil, reverrors.NewValidationError(reverrors.ErrBadSecurityBits,
			"Security parameter must be an even number of at least %d bits, got %d", MinTestSecurityBits, securityBits)
	}
	if securityBits > MaxSecurityBits {
		return nil, reverrors.NewValidationError(reverrors.ErrBadSecurityBits,
			"Security parameter must not exceed %d bits, got %d", MaxSecurityBits, securityBits)
	}
	if policy != WitnessPolicyPublic && policy != WitnessPolicyTrapdoor {
		return nil, reverrors.NewValidationError(reverrors.ErrWitnessPolicy, "Unknown witness policy '%s'", policy)
	}
	if securityBits < RecommendedSecurityBits {
		log.Warningf("Accumulator modulus of %d bits is only suitable for testing", securityBits)
	}

	var p, q, n *big.Int
	var err error
	for i := 0; ; i++ {
		if i == maxSetupAttempts {
			return nil, reverrors.NewArithmeticError(reverrors.ErrBadGroup, "Failed to generate distinct modulus factors")
		}
		p, err = rand.Prime(rnd, securityBits/2)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to generate modulus factor")
		}
		q, err = rand.Prime(rnd, securityBits/2)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to generate modulus factor")
		}
		if p.Cmp(q) == 0 {
			continue
		}
		n = new(big.Int).Mul(p, q)
		if n.BitLen() == securityBits {
			break
		}
	}

	g, err := quadraticResidue(rnd, n)
	if err != nil {
		return nil, err
	}
	params := &GroupParameters{
		Modulus:   n,
		Generator: g,
		Trapdoor:  &Trapdoor{P: p, Q: q},
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if policy == WitnessPolicyPublic {
		params.DropTrapdoor()
	}
	log.Infof("Generated %d-bit accumulator group parameters (witness policy '%s')", n.BitLen(), policy)
	return params, nil
}

func quadraticResidue(rnd io.Reader, n *big.Int) (*big.Int, error) {
	nMinusOne := new(big.Int).Sub(n, one)
	gcd := new(big.Int)
	for i := 0; i < maxSetupAttempts; i++ {
		r, err := rand.Int(rnd, n)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to sample group element")
		}
		if r.Cmp(two) < 0 || gcd.GCD(nil, nil, r, n).Cmp(one) != 0 {
			continue
		}
		g := new(big.Int).Exp(r, two, n)
		if g.Cmp(one) == 0 || g.Cmp(nMinusOne) == 0 {
			continue
		}
		return g, nil
	}
	return nil, reverrors.NewArithmeticError(reverrors.ErrBadGroup, "Failed to find a group generator")
}

// Validate checks the structural soundness of the parameters
func (gp *GroupParameters) Validate() error {
	if gp == nil || gp.Modulus == nil || gp.Generator == nil {
		return reverrors.NewArithmeticError(reverrors.ErrBadGroup, "Group parameters are incomplete")
	}
	n, g := gp.Modulus, gp.Generator
	if n.BitLen() < MinTestSecurityBits || n.BitLen() > MaxSecurityBits || n.Bit(0) == 0 {
		return reverrors.NewArithmeticError(reverrors.ErrBadGroup, "Modulus must be odd and between %d and %d bits",
			MinTestSecurityBits, MaxSecurityBits)
	}
	if n.ProbablyPrime(20) {
		return reverrors.NewArithmeticError(reverrors.ErrBadGroup, "Modulus must be composite")
	}
	if g.Cmp(two) < 0 || g.Cmp(new(big.Int).Sub(n, one)) >= 0 {
		return reverrors.NewArithmeticError(reverrors.ErrBadGroup, "Generator is out of range")
	}
	if new(big.Int).GCD(nil, nil, g, n).Cmp(one) != 0 {
		return reverrors.NewArithmeticError(reverrors.ErrBadGroup, "Generator is not a unit of the group")
	}
	if t := gp.Trapdoor; t != nil {
		if t.P == nil || t.Q == nil || new(big.Int).Mul(t.P, t.Q).Cmp(n) != 0 {
			return reverrors.NewArithmeticError(reverrors.ErrBadGroup, "Trapdoor does not factor the modulus")
		}
	}
	return nil
}

// Policy returns the witness policy these parameters support
func (gp *GroupParameters) Policy() WitnessPolicy {
	if gp.Trapdoor != nil {
		return WitnessPolicyTrapdoor
	}
	return WitnessPolicyPublic
}

// DropTrapdoor forgets the factorization
func (gp *GroupParameters) DropTrapdoor() {
	if gp.Trapdoor != nil {
		gp.Trapdoor.P.SetInt64(0)
		gp.Trapdoor.Q.SetInt64(0)
	}
	gp.Trapdoor = nil
}

// Public returns a copy of the parameters without the trapdoor
func (gp *GroupParameters) Public() *GroupParameters {
	return &GroupParameters{
		Modulus:   new(big.Int).Set(gp.Modulus),
		Generator: new(big.Int).Set(gp.Generator),
	}
}

// Exp returns base^e mod n. Negative exponents use the modular inverse of base.
func (gp *GroupParameters) Exp(base, e *big.Int) (*big.Int, error) {
	if e.Sign() >= 0 {
		return new(big.Int).Exp(base, e, gp.Modulus), nil
	}
	inv := new(big.Int).ModInverse(base, gp.Modulus)
	if inv == nil {
		return nil, reverrors.NewArithmeticError(reverrors.ErrNoInverse, "Element has no inverse in the group")
	}
	return inv.Exp(inv, new(big.Int).Neg(e), gp.Modulus), nil
}

// inGroup reports whether 0 < x < n
func (gp *GroupParameters) inGroup(x *big.Int) bool {
	return x != nil && x.Sign() > 0 && x.Cmp(gp.Modulus) < 0
}
