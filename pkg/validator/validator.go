// Copyright 2025 Certen Protocol
//
// Package validator checks an incoming commitment before it is allowed
// into the pending queue: the request fingerprint must match the
// authenticator it claims to be derived from, the signature must verify
// under the claimed scheme, and a fingerprint that already maps to a
// different transaction is rejected.
package validator

import (
	"context"
	"fmt"

	"github.com/aggregatornet/aggregator/pkg/cryptoalg"
	"github.com/aggregatornet/aggregator/pkg/database"
	"github.com/aggregatornet/aggregator/pkg/hashing"
	"github.com/aggregatornet/aggregator/pkg/types"
)

// RecordLookup is the slice of the record store the validator reads.
type RecordLookup interface {
	Get(ctx context.Context, requestID types.RequestID) (*types.AggregatorRecord, error)
}

// Result is the outcome of validating one commitment.
type Result struct {
	Status types.ValidationStatus
	// Exists reports whether a record with this request ID was already
	// stored at read time. SUCCESS with Exists=true is an idempotent
	// replay: the caller must not enqueue the commitment again.
	Exists bool
}

// Validator validates commitments against the record store and the
// registered signature schemes.
type Validator struct {
	records    RecordLookup
	algorithms *cryptoalg.Registry
}

// New constructs a Validator.
func New(records RecordLookup, algorithms *cryptoalg.Registry) *Validator {
	return &Validator{records: records, algorithms: algorithms}
}

// Validate runs the full check over c. The read of the record store is a
// point-in-time snapshot: two concurrent submissions of the same new
// commitment may both see "absent" and both pass, and the record store's
// insert-if-absent during block creation resolves that race.
func (v *Validator) Validate(ctx context.Context, c types.Commitment) (Result, error) {
	expected := hashing.RequestID(c.Authenticator.PublicKey, c.Authenticator.StateHash)
	if !expected.Equal(c.RequestID) {
		return Result{Status: types.StatusRequestIDMismatch}, nil
	}

	ok, err := v.algorithms.Verify(
		c.Authenticator.Algorithm,
		c.Authenticator.PublicKey,
		c.TransactionHash.Digest,
		c.Authenticator.Signature,
	)
	if err != nil {
		// Unknown scheme or malformed key material is a client problem,
		// not an internal failure.
		return Result{Status: types.StatusAuthenticatorVerificationFailed}, nil
	}
	if !ok {
		return Result{Status: types.StatusAuthenticatorVerificationFailed}, nil
	}

	existing, err := v.records.Get(ctx, c.RequestID)
	if err == database.ErrNotFound {
		return Result{Status: types.StatusSuccess}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("validator: record lookup: %w", err)
	}

	if existing.TransactionHash.Equal(c.TransactionHash) {
		return Result{Status: types.StatusSuccess, Exists: true}, nil
	}
	return Result{Status: types.StatusRequestIDExists, Exists: true}, nil
}
