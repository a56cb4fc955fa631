/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package metrics

import "github.com/hyperledger/fabric/common/metrics"

var (
	// RevocationCounterOpts define the counter opts for revocations
	RevocationCounterOpts = metrics.CounterOpts{
		Namespace:    "revocation",
		Subsystem:    "",
		Name:         "revoked_count",
		Help:         "Number of identifiers revoked",
		LabelNames:   []string{"issuer"},
		StatsdFormat: "%{#fqname}.%{issuer}",
	}

	// CheckCounterOpts define the counter opts for revocation checks
	CheckCounterOpts = metrics.CounterOpts{
		Namespace:    "revocation",
		Subsystem:    "",
		Name:         "check_count",
		Help:         "Number of revocation checks by outcome",
		LabelNames:   []string{"issuer", "result"},
		StatsdFormat: "%{#fqname}.%{issuer}.%{result}",
	}

	// CommitDurationOpts define the duration opts for epoch commits
	CommitDurationOpts = metrics.HistogramOpts{
		Namespace:    "epoch",
		Subsystem:    "",
		Name:         "commit_duration",
		Help:         "Time taken in seconds to fold a closed epoch into the accumulator",
		LabelNames:   []string{"issuer"},
		StatsdFormat: "%{#fqname}.%{issuer}",
	}

	// EpochGaugeOpts define the gauge opts for the last committed epoch
	EpochGaugeOpts = metrics.GaugeOpts{
		Namespace:    "epoch",
		Subsystem:    "",
		Name:         "committed",
		Help:         "Number of the last committed epoch",
		LabelNames:   []string{"issuer"},
		StatsdFormat: "%{#fqname}.%{issuer}",
	}

	// AccumulatedGaugeOpts define the gauge opts for the accumulated prime count
	AccumulatedGaugeOpts = metrics.GaugeOpts{
		Namespace:    "accumulator",
		Subsystem:    "",
		Name:         "primes",
		Help:         "Number of primes folded into the accumulator",
		LabelNames:   []string{"issuer"},
		StatsdFormat: "%{#fqname}.%{issuer}",
	}

	// AnchorFailureCounterOpts define the counter opts for failed anchor submissions
	AnchorFailureCounterOpts = metrics.CounterOpts{
		Namespace:    "anchor",
		Subsystem:    "",
		Name:         "failure_count",
		Help:         "Number of anchor records the public ledger did not accept",
		LabelNames:   []string{"issuer"},
		StatsdFormat: "%{#fqname}.%{issuer}",
	}
)

// Metrics are the metrics tracked by the revocation coordinator
type Metrics struct {
	// Revocations counts revoke calls that staged a prime
	Revocations metrics.Counter
	// Checks counts revocation checks by result
	Checks metrics.Counter
	// CommitDuration keeps track of time taken to commit an epoch
	CommitDuration metrics.Histogram
	// Epoch is the last committed epoch
	Epoch metrics.Gauge
	// Accumulated is the number of primes in the accumulator
	Accumulated metrics.Gauge
	// AnchorFailures counts anchor submissions that failed
	AnchorFailures metrics.Counter
}

// New creates the coordinator metrics from provider
func New(provider metrics.Provider) *Metrics {
	return &Metrics{
		Revocations:    provider.NewCounter(RevocationCounterOpts),
		Checks:         provider.NewCounter(CheckCounterOpts),
		CommitDuration: provider.NewHistogram(CommitDurationOpts),
		Epoch:          provider.NewGauge(EpochGaugeOpts),
		Accumulated:    provider.NewGauge(AccumulatedGaugeOpts),
		AnchorFailures: provider.NewCounter(AnchorFailureCounterOpts),
	}
}
