/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package accumulator

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/big"
)

// Snapshot is an immutable, versioned accumulator value. A new Snapshot is
// published at every epoch commit; readers never see a partially updated one.
type Snapshot struct {
	Issuer string
	// Epoch is the number of the epoch whose commit produced Value. The
	// initial value g has epoch 0.
	Epoch uint64
	Value *big.Int
	// Count is the number of primes folded into Value
	Count int
}

// Genesis returns the epoch 0 snapshot of an empty accumulator
func Genesis(issuer string, params *GroupParameters) *Snapshot {
	return &Snapshot{
		Issuer: issuer,
		Epoch:  0,
		Value:  new(big.Int).Set(params.Generator),
	}
}

// Digest binds issuer, epoch and value together. Witnesses carry the digest of
// the snapshot they were computed against.
func (s *Snapshot) Digest() [32]byte {
	h := sha256.New()
	var epoch [8]byte
	binary.BigEndian.PutUint64(epoch[:], s.Epoch)
	h.Write([]byte(s.Issuer))
	h.Write([]byte{0})
	h.Write(epoch[:])
	h.Write(s.Value.Bytes())
	var d [32]byte
	copy(d[:], h.Sum(nil))
	return d
}

// DigestHex is the hex form of Digest
func (s *Snapshot) DigestHex() string {
	d := s.Digest()
	return hex.EncodeToString(d[:])
}

// Next returns the snapshot following s after folding count primes into value
func (s *Snapshot) Next(value *big.Int, count int) *Snapshot {
	return &Snapshot{
		Issuer: s.Issuer,
		Epoch:  s.Epoch + 1,
		Value:  value,
		Count:  s.Count + count,
	}
}
