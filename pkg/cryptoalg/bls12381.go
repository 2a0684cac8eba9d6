// Copyright 2025 Certen Protocol
package cryptoalg

import (
	"fmt"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"

	"github.com/aggregatornet/aggregator/pkg/types"
)

// bls12381DST is the domain separation tag mixed into every
// hash-to-curve operation, so signatures over aggregator messages can
// never be replayed against a different BLS-consuming subsystem.
const bls12381DST = "AGGREGATOR_AUTHENTICATOR_V1"

// BLS12381Strategy verifies BLS12-381 authenticator signatures via a
// pairing check built on github.com/consensys/gnark-crypto.
type BLS12381Strategy struct{}

func (BLS12381Strategy) Scheme() types.HashAlgorithm { return types.AlgorithmBLS12381 }

// Verify checks e(signature, G2) == e(H(message), publicKey), the standard
// BLS pairing equation, where publicKey is a compressed or uncompressed
// G2 point and signature is a G1 point.
func (BLS12381Strategy) Verify(publicKey, message, signature []byte) (bool, error) {
	var pk bls12381.G2Affine
	if _, err := pk.SetBytes(publicKey); err != nil {
		return false, fmt.Errorf("bls12381: invalid public key: %w", err)
	}
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(signature); err != nil {
		return false, fmt.Errorf("bls12381: invalid signature: %w", err)
	}

	h, err := bls12381.HashToG1(message, []byte(bls12381DST))
	if err != nil {
		return false, fmt.Errorf("bls12381: hash to curve: %w", err)
	}

	var negPk bls12381.G2Affine
	negPk.Neg(&pk)

	_, _, _, g2Gen := bls12381.Generators()

	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{sig, h},
		[]bls12381.G2Affine{g2Gen, negPk},
	)
	if err != nil {
		return false, fmt.Errorf("bls12381: pairing check: %w", err)
	}
	return ok, nil
}
