/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package anchor

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/cloudflare/cfssl/log"
)

// MemoryLedger keeps anchored records in memory, per issuer
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string][]*Record
}

// NewMemoryLedger returns an empty MemoryLedger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: map[string][]*Record{}}
}

// Anchor appends r
func (ml *MemoryLedger) Anchor(ctx context.Context, r *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.records[r.Issuer] = append(ml.records[r.Issuer], r)
	return nil
}

// Records returns the records anchored for issuer in order
func (ml *MemoryLedger) Records(issuer string) []*Record {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return append([]*Record(nil), ml.records[issuer]...)
}

// Latest returns the last record anchored for issuer, or nil
func (ml *MemoryLedger) Latest(issuer string) *Record {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	rs := ml.records[issuer]
	if len(rs) == 0 {
		return nil
	}
	return rs[len(rs)-1]
}

// LogLedger writes records to the server log only
type LogLedger struct{}

// Anchor logs r
func (LogLedger) Anchor(ctx context.Context, r *Record) error {
	log.Infof("Anchor issuer=%s epoch=%d count=%d digest=%s hash=%s",
		r.Issuer, r.Epoch, r.Count, hex.EncodeToString(r.SnapshotDigest), r.HashHex())
	return nil
}
