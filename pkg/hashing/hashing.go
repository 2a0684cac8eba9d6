// Copyright 2025 Certen Protocol
//
// Package hashing provides the canonical hashing routines shared across
// request-fingerprint computation and leaf-value derivation, so every
// store and replica derives identical bytes for the same commitment.
package hashing

import (
	"crypto/sha256"

	"github.com/aggregatornet/aggregator/pkg/types"
)

// Concat returns SHA-256 of the concatenation of parts.
func Concat(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// RequestID computes hash(publicKey || stateHash), whose big-endian numeric
// value is the SMT path.
func RequestID(publicKey []byte, stateHash types.Hash) types.Hash {
	return types.Hash{
		Algorithm: types.HashAlgorithmSHA256,
		Digest:    Concat(publicKey, stateHash.Digest),
	}
}

// LeafValue computes the digest of (authenticator || transactionHash) as
// witnessed by the tree.
// The authenticator is folded in via its algorithm tag, public key,
// signature, and state hash so that two commitments with the same transaction hash but
// different signers never collide on leaf value.
func LeafValue(auth types.Authenticator, transactionHash types.Hash) []byte {
	return Concat(
		[]byte(auth.Algorithm),
		auth.PublicKey,
		auth.Signature,
		auth.StateHash.Digest,
		transactionHash.Digest,
	)
}
