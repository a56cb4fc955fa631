/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package reverrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a revocation engine error
type Kind int

// Error kinds
const (
	// KindUnknown is never returned by the engine itself
	KindUnknown Kind = iota
	// KindValidation means malformed input was rejected before touching state
	KindValidation
	// KindEpochState means the operation targeted an epoch in the wrong state;
	// retrying against the fresh epoch is expected to succeed
	KindEpochState
	// KindProof means a witness failed the group equation or its claim does not
	// match the accumulator state
	KindProof
	// KindArithmetic means prime generation or group setup failed
	KindArithmetic
)

// Error codes
const (
	// Unknown error code
	ErrUnknown = 0
	// Identifier was empty or otherwise malformed
	ErrBadIdentifier = 1
	// Witness was nil, of an unknown kind or structurally invalid
	ErrBadWitness = 2
	// Issuer name was empty or not registered in the directory
	ErrIssuerNotFound = 3
	// Issuer was already onboarded
	ErrIssuerExists = 4
	// Invalid filter capacity or false positive rate
	ErrBadFilterParams = 5
	// Invalid group security parameter
	ErrBadSecurityBits = 6
	// Stage was called for an epoch that is not open
	ErrEpochClosed = 7
	// Commit was called without a batch in flight
	ErrNothingToCommit = 8
	// A commit for this issuer is already running
	ErrCommitInFlight = 9
	// Prime is in the accumulated set, non-membership cannot be proven
	ErrPrimeIsMember = 10
	// Prime is not in the accumulated set, membership cannot be proven
	ErrPrimeNotMember = 11
	// Witness did not satisfy the group equation
	ErrWitnessRejected = 12
	// Witness targets another accumulator value or epoch
	ErrStaleWitness = 13
	// Prime generation exhausted its retry budget
	ErrPrimeBudget = 14
	// Group parameters failed validation
	ErrBadGroup = 15
	// Modular inverse does not exist
	ErrNoInverse = 16
	// Witness policy is unknown or unavailable
	ErrWitnessPolicy = 17
	// Persisted snapshot is inconsistent with its issuer or prime history
	ErrBadSnapshot = 18
	// Batch does not follow the published epoch
	ErrEpochSequence = 19
	// Snapshot was not published by the issuer, or is too old to tell
	ErrUnpublishedSnapshot = 20
)

var kindNames = map[Kind]string{
	KindUnknown:    "Error",
	KindValidation: "ValidationError",
	KindEpochState: "EpochStateError",
	KindProof:      "ProofError",
	KindArithmetic: "ArithmeticError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// Error is an error of the revocation engine together with its kind and code
type Error struct {
	kind Kind
	code int
	msg  string
}

// Error returns the string representation
func (e *Error) Error() string {
	return e.String()
}

// String returns a string representation of this error
func (e *Error) String() string {
	return fmt.Sprintf("%s (code %d): %s", e.kind, e.code, e.msg)
}

// Kind returns the kind of the error
func (e *Error) Kind() Kind {
	return e.kind
}

// Code returns the error code
func (e *Error) Code() int {
	return e.code
}

// Message returns the error message without kind and code
func (e *Error) Message() string {
	return e.msg
}

// New constructs an error of the given kind wrapped with a stack trace
func New(kind Kind, code int, format string, args ...interface{}) error {
	return errors.WithStack(&Error{
		kind: kind,
		code: code,
		msg:  fmt.Sprintf(format, args...),
	})
}

// NewValidationError constructs a ValidationError
func NewValidationError(code int, format string, args ...interface{}) error {
	return New(KindValidation, code, format, args...)
}

// NewEpochStateError constructs an EpochStateError
func NewEpochStateError(code int, format string, args ...interface{}) error {
	return New(KindEpochState, code, format, args...)
}

// NewProofError constructs a ProofError
func NewProofError(code int, format string, args ...interface{}) error {
	return New(KindProof, code, format, args...)
}

// NewArithmeticError constructs an ArithmeticError
func NewArithmeticError(code int, format string, args ...interface{}) error {
	return New(KindArithmetic, code, format, args...)
}

// KindOf returns the kind of err, or KindUnknown if err was not produced by
// this package
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.kind
	}
	return KindUnknown
}

// CodeOf returns the code of err, or ErrUnknown
func CodeOf(err error) int {
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.code
	}
	return ErrUnknown
}

// IsValidation returns true if the cause of err is a ValidationError
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsEpochState returns true if the cause of err is an EpochStateError
func IsEpochState(err error) bool {
	return KindOf(err) == KindEpochState
}

// IsProof returns true if the cause of err is a ProofError
func IsProof(err error) bool {
	return KindOf(err) == KindProof
}

// IsArithmetic returns true if the cause of err is an ArithmeticError
func IsArithmetic(err error) bool {
	return KindOf(err) == KindArithmetic
}
