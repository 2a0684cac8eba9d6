// Copyright 2025 Certen Protocol
//
// Package anchor submits each round's SMT root hash to an external
// trust-anchor ledger and returns the ledger's proof of acceptance. The
// ledger is externally total-ordered: each successful submission
// witnesses the root accepted immediately before it, which is what links
// consecutive aggregator blocks into a verifiable chain.
package anchor

import (
	"context"
	"time"
)

// Response is what the trust-anchor ledger returns for an accepted root.
type Response struct {
	// Proof is the ledger's transaction proof for this submission.
	Proof []byte

	// PreviousRootWitness is the root hash accepted by the ledger
	// immediately before this one, or nil on the very first submission.
	PreviousRootWitness []byte

	// Timestamp is the ledger's notion of when the root was accepted.
	// Blocks carry it verbatim.
	Timestamp time.Time
}

// Client is the trust-anchor ledger interface. Implementations are
// expected to be slow (seconds) and may fail transiently; the round
// manager retries a failed submission with the same root on the next
// round.
type Client interface {
	SubmitRootHash(ctx context.Context, root []byte) (*Response, error)
}
