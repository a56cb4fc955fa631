/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package anchor builds the records that publish committed accumulator values
// for external audit. Records of one issuer form a hash chain.
package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/pkg/errors"
)

// Record is one anchored commit
type Record struct {
	ID     uuid.UUID `cbor:"1,keyasint"`
	Issuer string    `cbor:"2,keyasint"`
	Epoch  uint64    `cbor:"3,keyasint"`
	Value  []byte    `cbor:"4,keyasint"`
	// SnapshotDigest is the digest witnesses for this epoch are bound to
	SnapshotDigest []byte `cbor:"5,keyasint"`
	// PrimesDigest commits to the primes folded in by this epoch
	PrimesDigest []byte `cbor:"6,keyasint"`
	Count        int    `cbor:"7,keyasint"`
	// Rebase is set for maintenance recomputations
	Rebase bool `cbor:"8,keyasint,omitempty"`
	// Prev is the Hash of the issuer's previous record, empty for the first
	Prev      []byte `cbor:"9,keyasint,omitempty"`
	Timestamp int64  `cbor:"10,keyasint"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// New returns the record anchoring snap, chained to the record whose hash is prev
func New(prev []byte, snap *accumulator.Snapshot, primes []*big.Int, rebase bool) *Record {
	d := snap.Digest()
	return &Record{
		ID:             uuid.New(),
		Issuer:         snap.Issuer,
		Epoch:          snap.Epoch,
		Value:          snap.Value.Bytes(),
		SnapshotDigest: d[:],
		PrimesDigest:   PrimesDigest(primes),
		Count:          snap.Count,
		Rebase:         rebase,
		Prev:           append([]byte(nil), prev...),
		Timestamp:      time.Now().UTC().Unix(),
	}
}

// PrimesDigest hashes length-prefixed primes in order
func PrimesDigest(primes []*big.Int) []byte {
	h := sha256.New()
	for _, p := range primes {
		b := p.Bytes()
		h.Write([]byte{byte(len(b) >> 8), byte(len(b))})
		h.Write(b)
	}
	return h.Sum(nil)
}

// Encode returns the deterministic CBOR encoding of r
func (r *Record) Encode() ([]byte, error) {
	b, err := encMode.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to encode anchor record")
	}
	return b, nil
}

// Decode parses an encoded record
func Decode(b []byte) (*Record, error) {
	r := &Record{}
	if err := cbor.Unmarshal(b, r); err != nil {
		return nil, errors.Wrap(err, "Failed to decode anchor record")
	}
	return r, nil
}

// Hash is the SHA-256 of the encoded record. The next record's Prev is this value.
func (r *Record) Hash() ([]byte, error) {
	b, err := r.Encode()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// HashHex is the hex form of Hash, empty on encoding failure
func (r *Record) HashHex() string {
	h, err := r.Hash()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(h)
}

// Matches reports whether r anchors snap
func (r *Record) Matches(snap *accumulator.Snapshot) bool {
	if snap == nil || r.Issuer != snap.Issuer || r.Epoch != snap.Epoch {
		return false
	}
	d := snap.Digest()
	return string(d[:]) == string(r.SnapshotDigest)
}

// VerifyChain checks that records of one issuer link to each other in order
// and that their epochs increase
func VerifyChain(records []*Record) error {
	var prev []byte
	for i, r := range records {
		if i > 0 {
			if r.Issuer != records[0].Issuer {
				return errors.Errorf("Record %d belongs to issuer '%s', not '%s'", i, r.Issuer, records[0].Issuer)
			}
			if r.Epoch <= records[i-1].Epoch {
				return errors.Errorf("Record %d does not advance the epoch", i)
			}
			if string(r.Prev) != string(prev) {
				return errors.Errorf("Record %d for epoch %d does not link to its predecessor", i, r.Epoch)
			}
		}
		h, err := r.Hash()
		if err != nil {
			return err
		}
		prev = h
	}
	return nil
}
