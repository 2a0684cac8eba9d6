// Copyright 2025 Certen Protocol
package cryptoalg

import (
	"crypto/ed25519"
	"fmt"

	"github.com/aggregatornet/aggregator/pkg/types"
)

// Ed25519Strategy verifies Ed25519 authenticator signatures.
type Ed25519Strategy struct{}

func (Ed25519Strategy) Scheme() types.HashAlgorithm { return types.AlgorithmEd25519 }

func (Ed25519Strategy) Verify(publicKey, message, signature []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("ed25519: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return false, fmt.Errorf("ed25519: signature must be %d bytes, got %d", ed25519.SignatureSize, len(signature))
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature), nil
}
