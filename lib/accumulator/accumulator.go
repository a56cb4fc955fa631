/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package accumulator implements an RSA accumulator over the hidden order
// group Z_n^*.
//
// The accumulator value after adding primes x1..xk is g^(x1*...*xk) mod n.
// Updates are applied per epoch: the primes staged during an epoch are
// multiplied together first and the running value is raised to that product
// with a single modular exponentiation.
//
// Witnesses prove membership (w^x = A) or non-membership (A^a = d^x * g, from
// the Bezout identity a*P + b*x = 1 with d = g^-b) of a prime against one
// specific Snapshot.
package accumulator

import (
	"math/big"
)

// Product returns the product of primes, or 1 for an empty list
func Product(primes []*big.Int) *big.Int {
	p := big.NewInt(1)
	for _, x := range primes {
		p.Mul(p, x)
	}
	return p
}

// productExcept returns the product of primes with one occurrence of skip left out
func productExcept(primes []*big.Int, skip *big.Int) (*big.Int, bool) {
	p := big.NewInt(1)
	skipped := false
	for _, x := range primes {
		if !skipped && x.Cmp(skip) == 0 {
			skipped = true
			continue
		}
		p.Mul(p, x)
	}
	return p, skipped
}

// Update folds a batch of primes into current: current^(prod pending) mod n.
// An empty batch leaves the value unchanged.
func Update(params *GroupParameters, current *big.Int, pending []*big.Int) *big.Int {
	if len(pending) == 0 {
		return new(big.Int).Set(current)
	}
	return UpdateWithProduct(params, current, Product(pending))
}

// UpdateWithProduct is Update for a precomputed batch product
func UpdateWithProduct(params *GroupParameters, current, product *big.Int) *big.Int {
	return new(big.Int).Exp(current, product, params.Modulus)
}

// Replay recomputes the accumulator value from scratch for an ordered prime list
func Replay(params *GroupParameters, primes []*big.Int) *big.Int {
	return Update(params, params.Generator, primes)
}

// Contains reports whether x is in primes
func Contains(primes []*big.Int, x *big.Int) bool {
	for _, p := range primes {
		if p.Cmp(x) == 0 {
			return true
		}
	}
	return false
}
