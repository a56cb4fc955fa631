/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package revocation

import (
	"time"

	"github.com/hyperledger/fabric-revocation/lib/accumulator"
	"github.com/hyperledger/fabric-revocation/lib/primes"
	"github.com/hyperledger/fabric-revocation/lib/reverrors"
	"github.com/pkg/errors"
)

const (
	// DefaultSecurityBits is the modulus size used by setup
	DefaultSecurityBits = accumulator.RecommendedSecurityBits
	// DefaultFilterCapacity is the number of revocations a filter is sized for
	DefaultFilterCapacity = 100000
	// DefaultFilterFPRate is the target false positive rate of a filter
	DefaultFilterFPRate = 0.01
	// DefaultEpochInterval is the interval of the time based epoch clock
	DefaultEpochInterval = "1m"
	// DefaultCommitTimeout bounds how long a close waits for its commit
	DefaultCommitTimeout = "30s"
)

// Config is the configuration of the revocation engine
type Config struct {
	SecurityBits  int    `def:"2048" help:"Size in bits of the accumulator modulus created at setup"`
	WitnessPolicy string `def:"public" help:"Witness computation policy, 'public' discards the factorization, 'trapdoor' keeps it"`
	VerifyOnLoad  bool   `def:"true" help:"Replay the prime history of every issuer at startup and compare it with the stored accumulator value"`
	Prime         PrimeConfig
	Filter        IssuerConfig
	Epoch         EpochConfig
}

// PrimeConfig configures the prime mapper
type PrimeConfig struct {
	Bits        int    `def:"256" help:"Bit length of the primes identifiers are mapped to"`
	RetryBudget int    `def:"4096" help:"Number of candidates probed before prime derivation fails"`
	Domain      string `def:"fabric-revocation/prime/v1" help:"Domain separation label of the prime mapper"`
}

// IssuerConfig sizes the membership filter of an issuer
type IssuerConfig struct {
	Capacity uint    `def:"100000" help:"Number of revocations the membership filter is sized for"`
	FPRate   float64 `def:"0.01" help:"Target false positive rate of the membership filter"`
}

// EpochConfig configures when epochs are closed
type EpochConfig struct {
	Interval       string `def:"1m" help:"Interval at which every open epoch is closed, 0 disables the timer"`
	MaxRevocations int    `help:"Close the epoch of an issuer after this many revocations, 0 disables"`
	CommitTimeout  string `def:"30s" help:"Time a close waits for its commit before reporting it as still committing"`
}

// Init fills in defaults for unset fields and validates the result
func (c *Config) Init() error {
	if c.SecurityBits == 0 {
		c.SecurityBits = DefaultSecurityBits
	}
	if c.WitnessPolicy == "" {
		c.WitnessPolicy = string(accumulator.WitnessPolicyPublic)
	}
	if _, err := accumulator.ParseWitnessPolicy(c.WitnessPolicy); err != nil {
		return err
	}
	if c.Prime.Bits == 0 {
		c.Prime.Bits = primes.DefaultBits
	}
	if c.Prime.RetryBudget == 0 {
		c.Prime.RetryBudget = primes.DefaultRetryBudget
	}
	if c.Prime.Domain == "" {
		c.Prime.Domain = primes.DefaultDomain
	}
	if c.Prime.Bits < primes.MinBits {
		return errors.Errorf("Prime bit length must be at least %d, got %d", primes.MinBits, c.Prime.Bits)
	}
	if err := c.Filter.Init(); err != nil {
		return err
	}
	if c.Epoch.Interval == "" {
		c.Epoch.Interval = DefaultEpochInterval
	}
	if c.Epoch.CommitTimeout == "" {
		c.Epoch.CommitTimeout = DefaultCommitTimeout
	}
	if _, err := c.Epoch.IntervalDuration(); err != nil {
		return err
	}
	if _, err := c.Epoch.CommitTimeoutDuration(); err != nil {
		return err
	}
	if c.Epoch.MaxRevocations < 0 {
		return errors.Errorf("Epoch max revocations must not be negative, got %d", c.Epoch.MaxRevocations)
	}
	return nil
}

// Policy returns the parsed witness policy
func (c *Config) Policy() accumulator.WitnessPolicy {
	p, err := accumulator.ParseWitnessPolicy(c.WitnessPolicy)
	if err != nil {
		return accumulator.WitnessPolicyPublic
	}
	return p
}

// Mapper returns the prime mapper configured by c
func (c *Config) Mapper() *primes.Mapper {
	return primes.New(
		primes.WithBits(c.Prime.Bits),
		primes.WithRetryBudget(c.Prime.RetryBudget),
		primes.WithDomain(c.Prime.Domain),
	)
}

// Init fills in the filter defaults
func (ic *IssuerConfig) Init() error {
	if ic.Capacity == 0 {
		ic.Capacity = DefaultFilterCapacity
	}
	if ic.FPRate == 0 {
		ic.FPRate = DefaultFilterFPRate
	}
	if !(ic.FPRate > 0 && ic.FPRate < 1) {
		return reverrors.NewValidationError(reverrors.ErrBadFilterParams,
			"Filter false positive rate must be in (0, 1), got %v", ic.FPRate)
	}
	return nil
}

// IntervalDuration parses Interval
func (ec *EpochConfig) IntervalDuration() (time.Duration, error) {
	d, err := time.ParseDuration(ec.Interval)
	if err != nil {
		return 0, errors.Wrapf(err, "Invalid epoch interval '%s'", ec.Interval)
	}
	if d < 0 {
		return 0, errors.Errorf("Epoch interval must not be negative, got %s", ec.Interval)
	}
	return d, nil
}

// CommitTimeoutDuration parses CommitTimeout
func (ec *EpochConfig) CommitTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(ec.CommitTimeout)
	if err != nil {
		return 0, errors.Wrapf(err, "Invalid commit timeout '%s'", ec.CommitTimeout)
	}
	if d <= 0 {
		return 0, errors.Errorf("Commit timeout must be positive, got %s", ec.CommitTimeout)
	}
	return d, nil
}
