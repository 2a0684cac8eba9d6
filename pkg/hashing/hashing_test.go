// Copyright 2025 Certen Protocol
package hashing

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/aggregatornet/aggregator/pkg/types"
)

func TestRequestID_MatchesManualConcat(t *testing.T) {
	pub := []byte("public-key-bytes")
	state := sha256.Sum256([]byte("state"))
	stateHash := types.Hash{Algorithm: types.HashAlgorithmSHA256, Digest: state[:]}

	got := RequestID(pub, stateHash)

	h := sha256.New()
	h.Write(pub)
	h.Write(state[:])
	if !bytes.Equal(got.Digest, h.Sum(nil)) {
		t.Errorf("request id mismatch: got %x", got.Digest)
	}
	if got.Algorithm != types.HashAlgorithmSHA256 {
		t.Errorf("algorithm: got %s", got.Algorithm)
	}
}

func TestLeafValue_DistinguishesSigners(t *testing.T) {
	state := sha256.Sum256([]byte("state"))
	tx := sha256.Sum256([]byte("tx"))
	txHash := types.Hash{Algorithm: types.HashAlgorithmSHA256, Digest: tx[:]}

	a := types.Authenticator{
		Algorithm: types.AlgorithmEd25519,
		PublicKey: []byte("signer-a"),
		Signature: []byte("sig-a"),
		StateHash: types.Hash{Algorithm: types.HashAlgorithmSHA256, Digest: state[:]},
	}
	b := a
	b.PublicKey = []byte("signer-b")

	if bytes.Equal(LeafValue(a, txHash), LeafValue(b, txHash)) {
		t.Error("different signers produced the same leaf value")
	}
	if !bytes.Equal(LeafValue(a, txHash), LeafValue(a, txHash)) {
		t.Error("leaf value is not deterministic")
	}
}
