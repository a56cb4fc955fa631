/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package revocation

import (
	"sync"
	"time"

	"github.com/cloudflare/cfssl/log"
)

// TickerClock closes every open epoch at a fixed interval
type TickerClock struct {
	signals chan CloseSignal
	ticker  *time.Ticker
	stop    chan struct{}
	once    sync.Once
}

// NewTickerClock starts a clock firing every interval
func NewTickerClock(interval time.Duration) *TickerClock {
	tc := &TickerClock{
		signals: make(chan CloseSignal),
		ticker:  time.NewTicker(interval),
		stop:    make(chan struct{}),
	}
	go func() {
		defer close(tc.signals)
		for {
			select {
			case <-tc.stop:
				return
			case t := <-tc.ticker.C:
				select {
				case tc.signals <- CloseSignal{Reason: "interval elapsed at " + t.UTC().Format(time.RFC3339)}:
				case <-tc.stop:
					return
				}
			}
		}
	}()
	return tc
}

// Signals implements EpochClock
func (tc *TickerClock) Signals() <-chan CloseSignal {
	return tc.signals
}

// Stop stops the clock and closes its signal channel
func (tc *TickerClock) Stop() {
	tc.once.Do(func() {
		tc.ticker.Stop()
		close(tc.stop)
	})
}

// CountClock closes the epoch of an issuer once it has staged a fixed
// number of revocations
type CountClock struct {
	threshold int
	signals   chan CloseSignal

	mu     sync.Mutex
	counts map[string]int
}

// NewCountClock returns a clock firing every threshold revocations per issuer
func NewCountClock(threshold int) *CountClock {
	if threshold < 1 {
		threshold = 1
	}
	return &CountClock{
		threshold: threshold,
		signals:   make(chan CloseSignal, 64),
		counts:    map[string]int{},
	}
}

// Signals implements EpochClock
func (cc *CountClock) Signals() <-chan CloseSignal {
	return cc.signals
}

// Observe counts one revocation of issuer. When the signal buffer is full
// the count is kept and the signal is retried on the next revocation.
func (cc *CountClock) Observe(issuer string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.counts[issuer]++
	if cc.counts[issuer] < cc.threshold {
		return
	}
	select {
	case cc.signals <- CloseSignal{Issuer: issuer, Reason: "revocation count reached"}:
		cc.counts[issuer] = 0
	default:
		log.Debugf("Close signal for issuer '%s' deferred, signal buffer is full", issuer)
	}
}

// ManualClock fires only when Trigger is called
type ManualClock struct {
	signals chan CloseSignal
}

// NewManualClock returns a clock with room for buffered signals
func NewManualClock(buffer int) *ManualClock {
	return &ManualClock{signals: make(chan CloseSignal, buffer)}
}

// Signals implements EpochClock
func (mc *ManualClock) Signals() <-chan CloseSignal {
	return mc.signals
}

// Trigger sends a close signal for issuer, or for every issuer if empty
func (mc *ManualClock) Trigger(issuer, reason string) {
	mc.signals <- CloseSignal{Issuer: issuer, Reason: reason}
}

// Stop closes the signal channel
func (mc *ManualClock) Stop() {
	close(mc.signals)
}
