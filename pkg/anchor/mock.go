// Copyright 2025 Certen Protocol
package anchor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"log"
	"sync"
	"time"
)

// MockClient synthesizes anchor responses locally: the proof is a digest
// over the submitted root, the previous-root witness is whatever root was
// submitted before, and the timestamp is local wallclock. Used for tests
// and for running the aggregator without an EVM endpoint.
type MockClient struct {
	mu       sync.Mutex
	lastRoot []byte
	prevRoot []byte
	logger   *log.Logger
}

// NewMockClient constructs a MockClient with no submission history.
func NewMockClient() *MockClient {
	return &MockClient{logger: log.New(log.Writer(), "[MockAnchor] ", log.LstdFlags)}
}

// SubmitRootHash records root and returns a synthesized response.
// Resubmitting the root that was accepted last returns the same
// previous-root witness again, matching a real ledger's behavior when a
// round is retried after the anchor call succeeded but the block seal
// did not.
func (m *MockClient) SubmitRootHash(ctx context.Context, root []byte) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !bytes.Equal(root, m.lastRoot) {
		m.prevRoot = m.lastRoot
		m.lastRoot = append([]byte(nil), root...)
	}

	h := sha256.New()
	h.Write([]byte("mock-anchor-proof"))
	h.Write(root)

	var witness []byte
	if m.prevRoot != nil {
		witness = append([]byte(nil), m.prevRoot...)
	}
	return &Response{
		Proof:               h.Sum(nil),
		PreviousRootWitness: witness,
		Timestamp:           time.Now().UTC(),
	}, nil
}
