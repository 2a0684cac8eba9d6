// Copyright 2025 Certen Protocol
package cryptoalg

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aggregatornet/aggregator/pkg/types"
)

// Secp256k1Strategy verifies ECDSA/secp256k1 authenticator signatures
// via go-ethereum's crypto package.
type Secp256k1Strategy struct{}

func (Secp256k1Strategy) Scheme() types.HashAlgorithm { return types.AlgorithmSecp256k1 }

// Verify accepts a 64-byte (R||S) or 65-byte (R||S||V) signature over
// message, under an uncompressed or compressed secp256k1 public key.
func (Secp256k1Strategy) Verify(publicKey, message, signature []byte) (bool, error) {
	if len(message) != 32 {
		return false, fmt.Errorf("secp256k1: message must be a 32-byte digest, got %d bytes", len(message))
	}
	sig := signature
	if len(sig) == 65 {
		sig = sig[:64] // drop recovery id; VerifySignature wants R||S only
	}
	if len(sig) != 64 {
		return false, fmt.Errorf("secp256k1: signature must be 64 or 65 bytes, got %d", len(signature))
	}
	return crypto.VerifySignature(publicKey, message, sig), nil
}
