// Copyright 2025 Certen Protocol
//
// Verification Strategy Tests

package cryptoalg

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"testing"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestEd25519Strategy(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	message := sha256.Sum256([]byte("payload"))
	sig := ed25519.Sign(priv, message[:])

	ok, err := Ed25519Strategy{}.Verify(pub, message[:], sig)
	if err != nil || !ok {
		t.Fatalf("valid signature rejected: ok=%v err=%v", ok, err)
	}

	sig[0] ^= 0xff
	ok, err = Ed25519Strategy{}.Verify(pub, message[:], sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Error("tampered signature accepted")
	}
}

func TestSecp256k1Strategy(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := sha256.Sum256([]byte("payload"))
	sig, err := gethcrypto.Sign(digest[:], key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	pub := gethcrypto.FromECDSAPub(&key.PublicKey)

	// The 65-byte recoverable form and the bare 64-byte form must both
	// verify.
	for _, s := range [][]byte{sig, sig[:64]} {
		ok, err := Secp256k1Strategy{}.Verify(pub, digest[:], s)
		if err != nil || !ok {
			t.Fatalf("valid %d-byte signature rejected: ok=%v err=%v", len(s), ok, err)
		}
	}

	if _, err := (Secp256k1Strategy{}).Verify(pub, []byte("short"), sig); err == nil {
		t.Error("non-digest message accepted")
	}
}

func TestBLS12381Strategy(t *testing.T) {
	secret := big.NewInt(0).SetBytes([]byte("test-secret-scalar"))
	_, _, _, g2 := bls12381.Generators()

	var pk bls12381.G2Affine
	pk.ScalarMultiplication(&g2, secret)

	message := sha256.Sum256([]byte("payload"))
	h, err := bls12381.HashToG1(message[:], []byte(bls12381DST))
	if err != nil {
		t.Fatalf("hash to curve: %v", err)
	}
	var sig bls12381.G1Affine
	sig.ScalarMultiplication(&h, secret)

	pkBytes := pk.Bytes()
	sigBytes := sig.Bytes()
	ok, err := BLS12381Strategy{}.Verify(pkBytes[:], message[:], sigBytes[:])
	if err != nil || !ok {
		t.Fatalf("valid signature rejected: ok=%v err=%v", ok, err)
	}

	other := sha256.Sum256([]byte("a different payload"))
	ok, err = BLS12381Strategy{}.Verify(pkBytes[:], other[:], sigBytes[:])
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Error("signature accepted for a different message")
	}
}

func TestRegistry_UnknownAlgorithm(t *testing.T) {
	if _, err := DefaultRegistry().Verify("rot13", nil, nil, nil); err == nil {
		t.Error("unknown algorithm must error")
	}
}
