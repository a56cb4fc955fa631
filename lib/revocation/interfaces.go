/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package revocation

import (
	"context"
	"crypto/sha256"

	"github.com/hyperledger/fabric-revocation/lib/anchor"
	"github.com/hyperledger/fabric-revocation/lib/reverrors"
	"github.com/hyperledger/fabric-revocation/lib/store"
)

// Identifier is the opaque handle of a revocable credential. It is never
// stored or logged; only its prime image is.
type Identifier []byte

// IssuerDirectory resolves an issuer to its revocation scope
type IssuerDirectory interface {
	// Lookup returns the issuer or a ValidationError if it is not onboarded
	Lookup(name string) (*Issuer, error)
	// Issuers returns the onboarded issuer names in ascending order
	Issuers() []string
}

// CloseSignal asks for an epoch close. An empty Issuer closes every issuer.
type CloseSignal struct {
	Issuer string
	Reason string
}

// EpochClock supplies close signals
type EpochClock interface {
	Signals() <-chan CloseSignal
}

// RevocationObserver is told about every staged revocation. Count based
// clocks implement it.
type RevocationObserver interface {
	Observe(issuer string)
}

// PersistenceStore is where issuer state survives restarts
type PersistenceStore = store.Store

// PublicLedger receives anchor records of committed epochs
type PublicLedger interface {
	Anchor(ctx context.Context, r *anchor.Record) error
}

// CredentialBinder maps an application credential id to the Identifier
// revoked for it
type CredentialBinder interface {
	Bind(issuer, credentialID string) (Identifier, error)
}

// BinderFunc adapts a function to CredentialBinder
type BinderFunc func(issuer, credentialID string) (Identifier, error)

// Bind calls f
func (f BinderFunc) Bind(issuer, credentialID string) (Identifier, error) {
	return f(issuer, credentialID)
}

// HashBinder binds a credential id to the SHA-256 of the issuer scoped id,
// so equal ids of different issuers never collide
type HashBinder struct{}

// Bind returns SHA-256(issuer || 0x00 || credentialID)
func (HashBinder) Bind(issuer, credentialID string) (Identifier, error) {
	if credentialID == "" {
		return nil, reverrors.NewValidationError(reverrors.ErrBadIdentifier, "Credential id is empty")
	}
	h := sha256.New()
	h.Write([]byte(issuer))
	h.Write([]byte{0})
	h.Write([]byte(credentialID))
	return Identifier(h.Sum(nil)), nil
}
