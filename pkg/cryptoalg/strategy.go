// Copyright 2025 Certen Protocol
//
// Package cryptoalg implements pluggable authenticator-verification
// strategies, one per signature scheme an Authenticator.Algorithm may
// name. The aggregator never signs on a client's behalf; it only checks
// the signature a client already produced.
package cryptoalg

import (
	"fmt"

	"github.com/aggregatornet/aggregator/pkg/types"
)

// VerifyStrategy checks a signature over message under publicKey for one
// signature scheme.
type VerifyStrategy interface {
	Scheme() types.HashAlgorithm
	Verify(publicKey, message, signature []byte) (bool, error)
}

// Registry dispatches to the VerifyStrategy registered for an
// Authenticator's algorithm tag.
type Registry struct {
	strategies map[types.HashAlgorithm]VerifyStrategy
}

// NewRegistry builds a Registry with the given strategies, keyed by each
// strategy's own Scheme().
func NewRegistry(strategies ...VerifyStrategy) *Registry {
	r := &Registry{strategies: make(map[types.HashAlgorithm]VerifyStrategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Scheme()] = s
	}
	return r
}

// DefaultRegistry returns the registry wired with every scheme the
// aggregator supports out of the box: secp256k1, ed25519, and bls12-381.
func DefaultRegistry() *Registry {
	return NewRegistry(Secp256k1Strategy{}, Ed25519Strategy{}, BLS12381Strategy{})
}

// Verify looks up the strategy for algorithm and checks the signature. An
// unknown algorithm is treated as a verification failure, not a crash: the
// caller (pkg/validator) maps it to AUTHENTICATOR_VERIFICATION_FAILED.
func (r *Registry) Verify(algorithm types.HashAlgorithm, publicKey, message, signature []byte) (bool, error) {
	strategy, ok := r.strategies[algorithm]
	if !ok {
		return false, fmt.Errorf("cryptoalg: unsupported algorithm %q", algorithm)
	}
	return strategy.Verify(publicKey, message, signature)
}
