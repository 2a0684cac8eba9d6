// Copyright 2025 Certen Protocol
package rpcserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/aggregatornet/aggregator/pkg/commitment"
	"github.com/aggregatornet/aggregator/pkg/types"
)

// ReceiptSigner signs submit_commitment acknowledgments with this node's
// ed25519 receipt key.
type ReceiptSigner struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewReceiptSigner builds a signer from a hex-encoded ed25519 seed, or
// generates a fresh key when seedHex is empty.
func NewReceiptSigner(seedHex string) (*ReceiptSigner, error) {
	if seedHex == "" {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("rpcserver: generate receipt key: %w", err)
		}
		return &ReceiptSigner{private: priv, public: pub}, nil
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: receipt key is not valid hex: %v", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("rpcserver: receipt key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &ReceiptSigner{private: priv, public: priv.Public().(ed25519.PublicKey)}, nil
}

// receiptRequestJSON is the signed-over portion of a receipt. The hash
// field is the canonical-JSON digest of the other fields, and the
// signature covers that digest.
type receiptRequestJSON struct {
	Service         string `json:"service"`
	Method          string `json:"method"`
	RequestID       string `json:"requestId"`
	StateHash       string `json:"stateHash"`
	TransactionHash string `json:"transactionHash"`
	Hash            string `json:"hash,omitempty"`
}

// receiptJSON is the wire form of a signed acknowledgment.
type receiptJSON struct {
	Request   receiptRequestJSON `json:"request"`
	Algorithm string             `json:"algorithm"`
	PublicKey string             `json:"publicKey"`
	Signature string             `json:"signature"`
	Nonce     string             `json:"nonce"`
}

// Sign produces a signed acknowledgment for an accepted commitment.
func (s *ReceiptSigner) Sign(c types.Commitment) (*receiptJSON, error) {
	request := receiptRequestJSON{
		Service:         "aggregator",
		Method:          "submit_commitment",
		RequestID:       c.RequestID.String(),
		StateHash:       c.Authenticator.StateHash.String(),
		TransactionHash: c.TransactionHash.String(),
	}
	digest, err := commitment.HashCanonical(request)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: receipt hash: %w", err)
	}
	request.Hash = hex.EncodeToString(digest)

	return &receiptJSON{
		Request:   request,
		Algorithm: "ed25519",
		PublicKey: hex.EncodeToString(s.public),
		Signature: hex.EncodeToString(ed25519.Sign(s.private, digest)),
		Nonce:     uuid.New().String(),
	}, nil
}
