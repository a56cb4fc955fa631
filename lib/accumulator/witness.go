/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package accumulator

import (
	"math/big"

	"github.com/cloudflare/cfssl/log"
	"github.com/fxamacker/cbor/v2"
	"github.com/hyperledger/fabric-revocation/lib/reverrors"
	"github.com/pkg/errors"
)

// Claim is what a witness claims about a prime
type Claim uint8

const (
	// ClaimMembership claims the prime is accumulated (revoked)
	ClaimMembership Claim = 1
	// ClaimNonMembership claims the prime is not accumulated (not revoked)
	ClaimNonMembership Claim = 2
)

func (c Claim) String() string {
	switch c {
	case ClaimMembership:
		return "membership"
	case ClaimNonMembership:
		return "non-membership"
	default:
		return "unknown"
	}
}

// Witness proves membership or non-membership of Prime against the snapshot
// identified by Issuer, Epoch and Digest
type Witness struct {
	Claim  Claim
	Issuer string
	Epoch  uint64
	Digest [32]byte
	Prime  *big.Int
	// W is the membership witness, W^Prime = A
	W *big.Int
	// A and D form the non-membership witness, value^A = D^Prime * g
	A *big.Int
	D *big.Int
}

// Targets reports whether w was computed against snap
func (w *Witness) Targets(snap *Snapshot) bool {
	return snap != nil && w.Issuer == snap.Issuer && w.Epoch == snap.Epoch && w.Digest == snap.Digest()
}

func newWitness(claim Claim, snap *Snapshot, x *big.Int) *Witness {
	return &Witness{
		Claim:  claim,
		Issuer: snap.Issuer,
		Epoch:  snap.Epoch,
		Digest: snap.Digest(),
		Prime:  new(big.Int).Set(x),
	}
}

// ProveMembership computes a membership witness for x against snap, where
// primeSet is the full ordered set of primes folded into snap.
func ProveMembership(params *GroupParameters, snap *Snapshot, primeSet []*big.Int, x *big.Int) (*Witness, error) {
	if err := checkProveArgs(params, snap, x); err != nil {
		return nil, err
	}
	rest, found := productExcept(primeSet, x)
	if !found {
		return nil, reverrors.NewProofError(reverrors.ErrPrimeNotMember,
			"Prime is not accumulated as of epoch %d, membership cannot be proven", snap.Epoch)
	}
	w := newWitness(ClaimMembership, snap, x)
	if params.Trapdoor != nil {
		// x-th root of the current value using the group order
		xinv := new(big.Int).ModInverse(x, params.Trapdoor.Phi())
		if xinv != nil {
			w.W = new(big.Int).Exp(snap.Value, xinv, params.Modulus)
			return w, nil
		}
		log.Warning("Prime is not invertible modulo the group order, falling back to the public witness computation")
	}
	w.W = new(big.Int).Exp(params.Generator, rest, params.Modulus)
	return w, nil
}

// ProveNonMembership computes a non-membership witness for x against snap.
// It fails with a ProofError when x divides the accumulated product.
func ProveNonMembership(params *GroupParameters, snap *Snapshot, primeSet []*big.Int, x *big.Int) (*Witness, error) {
	if err := checkProveArgs(params, snap, x); err != nil {
		return nil, err
	}
	p := Product(primeSet)
	if new(big.Int).Mod(p, x).Sign() == 0 {
		return nil, reverrors.NewProofError(reverrors.ErrPrimeIsMember,
			"Prime is accumulated as of epoch %d, non-membership cannot be proven", snap.Epoch)
	}
	a := new(big.Int)
	gcd := new(big.Int).GCD(a, nil, p, x)
	if gcd.Cmp(one) != 0 {
		return nil, reverrors.NewProofError(reverrors.ErrPrimeIsMember,
			"Prime shares a factor with the accumulated product")
	}
	// a is published and must stay in [0, x); only the exponent of d may be
	// reduced by the group order
	a.Mod(a, x)
	negB := new(big.Int).Mul(a, p)
	negB.Sub(negB, one).Quo(negB, x)
	if params.Trapdoor != nil {
		negB.Mod(negB, params.Trapdoor.Phi())
	}
	d, err := params.Exp(params.Generator, negB)
	if err != nil {
		return nil, err
	}
	w := newWitness(ClaimNonMembership, snap, x)
	w.A = a
	w.D = d
	return w, nil
}

func checkProveArgs(params *GroupParameters, snap *Snapshot, x *big.Int) error {
	if params == nil || snap == nil || snap.Value == nil {
		return reverrors.NewValidationError(reverrors.ErrBadWitness, "Group parameters and snapshot are required")
	}
	if x == nil || x.Cmp(two) < 0 {
		return reverrors.NewValidationError(reverrors.ErrBadIdentifier, "Candidate prime is invalid")
	}
	return nil
}

// Verify checks w against snap for prime x and the expected claim. It never
// fails loudly: any malformed, stale or mismatching input yields false.
func Verify(params *GroupParameters, w *Witness, snap *Snapshot, x *big.Int, claim Claim) bool {
	return CheckWitness(params, w, snap, x, claim) == nil
}

// CheckWitness is Verify returning the reason for a rejection
func CheckWitness(params *GroupParameters, w *Witness, snap *Snapshot, x *big.Int, claim Claim) error {
	if params == nil || params.Modulus == nil || params.Generator == nil {
		return reverrors.NewValidationError(reverrors.ErrBadWitness, "Group parameters are missing")
	}
	if w == nil || snap == nil || snap.Value == nil || x == nil {
		return reverrors.NewValidationError(reverrors.ErrBadWitness, "Witness, snapshot and prime are required")
	}
	if !params.inGroup(snap.Value) {
		return reverrors.NewValidationError(reverrors.ErrBadSnapshot, "Accumulator value is out of range")
	}
	if w.Claim != claim {
		return reverrors.NewProofError(reverrors.ErrWitnessRejected,
			"Witness proves %s but %s was claimed", w.Claim, claim)
	}
	if w.Prime == nil || w.Prime.Cmp(x) != 0 {
		return reverrors.NewProofError(reverrors.ErrWitnessRejected, "Witness was computed for another prime")
	}
	if !w.Targets(snap) {
		return reverrors.NewProofError(reverrors.ErrStaleWitness,
			"Witness targets epoch %d of issuer '%s', not epoch %d", w.Epoch, w.Issuer, snap.Epoch)
	}
	n := params.Modulus
	switch claim {
	case ClaimMembership:
		if !params.inGroup(w.W) {
			return reverrors.NewValidationError(reverrors.ErrBadWitness, "Membership witness is out of range")
		}
		if new(big.Int).Exp(w.W, x, n).Cmp(snap.Value) != 0 {
			return reverrors.NewProofError(reverrors.ErrWitnessRejected, "Membership witness does not verify")
		}
	case ClaimNonMembership:
		if w.A == nil || !params.inGroup(w.D) {
			return reverrors.NewValidationError(reverrors.ErrBadWitness, "Non-membership witness is incomplete")
		}
		if w.A.BitLen() > x.BitLen() {
			return reverrors.NewValidationError(reverrors.ErrBadWitness, "Non-membership coefficient is longer than the prime")
		}
		lhs, err := params.Exp(snap.Value, w.A)
		if err != nil {
			return err
		}
		rhs := new(big.Int).Exp(w.D, x, n)
		rhs.Mul(rhs, params.Generator).Mod(rhs, n)
		if lhs.Cmp(rhs) != 0 {
			return reverrors.NewProofError(reverrors.ErrWitnessRejected, "Non-membership witness does not verify")
		}
	default:
		return reverrors.NewValidationError(reverrors.ErrBadWitness, "Unknown witness claim %d", claim)
	}
	return nil
}

// maxElementBytes bounds the encoded group elements of a witness
const maxElementBytes = MaxSecurityBits / 8

type witnessWire struct {
	Claim  uint8  `cbor:"1,keyasint"`
	Issuer string `cbor:"2,keyasint"`
	Epoch  uint64 `cbor:"3,keyasint"`
	Digest []byte `cbor:"4,keyasint"`
	Prime  []byte `cbor:"5,keyasint"`
	W      []byte `cbor:"6,keyasint,omitempty"`
	A      []byte `cbor:"7,keyasint,omitempty"`
	ANeg   bool   `cbor:"8,keyasint,omitempty"`
	D      []byte `cbor:"9,keyasint,omitempty"`
}

var witnessEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func intBytes(x *big.Int) []byte {
	if x == nil {
		return nil
	}
	return x.Bytes()
}

func bytesInt(b []byte) *big.Int {
	if b == nil {
		return nil
	}
	return new(big.Int).SetBytes(b)
}

// MarshalBinary encodes the witness as deterministic CBOR
func (w *Witness) MarshalBinary() ([]byte, error) {
	wire := witnessWire{
		Claim:  uint8(w.Claim),
		Issuer: w.Issuer,
		Epoch:  w.Epoch,
		Digest: w.Digest[:],
		Prime:  intBytes(w.Prime),
		W:      intBytes(w.W),
		D:      intBytes(w.D),
	}
	if w.A != nil {
		wire.A = new(big.Int).Abs(w.A).Bytes()
		wire.ANeg = w.A.Sign() < 0
		if len(wire.A) == 0 {
			wire.A = []byte{0}
		}
	}
	b, err := witnessEncMode.Marshal(wire)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to encode witness")
	}
	return b, nil
}

// UnmarshalBinary decodes a witness produced by MarshalBinary
func (w *Witness) UnmarshalBinary(data []byte) error {
	var wire witnessWire
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return reverrors.NewValidationError(reverrors.ErrBadWitness, "Malformed witness encoding: %s", err)
	}
	if len(wire.Digest) != 32 || len(wire.Prime) == 0 {
		return reverrors.NewValidationError(reverrors.ErrBadWitness, "Witness is missing its digest or prime")
	}
	if len(wire.A) > len(wire.Prime) || len(wire.W) > maxElementBytes || len(wire.D) > maxElementBytes {
		return reverrors.NewValidationError(reverrors.ErrBadWitness, "Witness element is too long")
	}
	claim := Claim(wire.Claim)
	if claim != ClaimMembership && claim != ClaimNonMembership {
		return reverrors.NewValidationError(reverrors.ErrBadWitness, "Unknown witness claim %d", wire.Claim)
	}
	*w = Witness{
		Claim:  claim,
		Issuer: wire.Issuer,
		Epoch:  wire.Epoch,
		Prime:  bytesInt(wire.Prime),
		W:      bytesInt(wire.W),
		D:      bytesInt(wire.D),
	}
	copy(w.Digest[:], wire.Digest)
	if wire.A != nil {
		w.A = new(big.Int).SetBytes(wire.A)
		if wire.ANeg {
			w.A.Neg(w.A)
		}
	}
	return nil
}
