// Copyright 2025 Certen Protocol
//
// JSON-RPC Server Tests

package rpcserver

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aggregatornet/aggregator/pkg/commitment"
	"github.com/aggregatornet/aggregator/pkg/election"
	"github.com/aggregatornet/aggregator/pkg/smt"
	"github.com/aggregatornet/aggregator/pkg/types"
)

// newTestServer builds a Server with just enough wiring for the framing
// and health paths; store-backed methods are not exercised here.
func newTestServer(t *testing.T, limit int) *Server {
	t.Helper()
	signer, err := NewReceiptSigner("")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	elector := election.New(nil, election.Config{NodeID: "test-node"})
	return New(Config{
		ListenAddr:       "127.0.0.1:0",
		ServerID:         "test-node",
		ConcurrencyLimit: limit,
	}, nil, nil, nil, nil, smt.NewTree(), elector, signer)
}

func postRPC(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.handleRPC(w, req)
	return w
}

func decodeRPC(t *testing.T, w *httptest.ResponseRecorder) rpcResponse {
	t.Helper()
	var resp rpcResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHandleRPC_RejectsMalformedJSON(t *testing.T) {
	w := postRPC(t, newTestServer(t, 10), "{not json")
	resp := decodeRPC(t, w)
	if resp.Error == nil || resp.Error.Code != codeParseError {
		t.Fatalf("got %+v, want parse error", resp.Error)
	}
}

func TestHandleRPC_RejectsNonJSONRPC(t *testing.T) {
	w := postRPC(t, newTestServer(t, 10), `{"method":"get_block_height"}`)
	resp := decodeRPC(t, w)
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Fatalf("got %+v, want invalid request", resp.Error)
	}
}

func TestHandleRPC_UnknownMethod(t *testing.T) {
	w := postRPC(t, newTestServer(t, 10), `{"jsonrpc":"2.0","method":"mystery","id":1}`)
	resp := decodeRPC(t, w)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("got %+v, want method not found", resp.Error)
	}
}

func TestHandleRPC_NoDeletionProofUnimplemented(t *testing.T) {
	w := postRPC(t, newTestServer(t, 10), `{"jsonrpc":"2.0","method":"get_no_deletion_proof","params":{},"id":1}`)
	resp := decodeRPC(t, w)
	if resp.Error == nil || resp.Error.Code != codeInternalError {
		t.Fatalf("got %+v, want internal error", resp.Error)
	}
}

func TestHandleRPC_CapacityRejection(t *testing.T) {
	s := newTestServer(t, 0)
	w := postRPC(t, s, `{"jsonrpc":"2.0","method":"get_block_height","params":{},"id":1}`)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", w.Code)
	}
	resp := decodeRPC(t, w)
	if resp.Error == nil || resp.Error.Code != codeAtCapacity {
		t.Fatalf("got %+v, want capacity error", resp.Error)
	}
	if resp.Error.Message != capacityMessage {
		t.Errorf("message: got %q", resp.Error.Message)
	}
	if s.ActiveRequests() != 0 {
		t.Errorf("active requests after rejection: got %d, want 0", s.ActiveRequests())
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, 7)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	var resp healthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Role != "follower" {
		t.Errorf("role: got %q, want follower", resp.Role)
	}
	if resp.ServerID != "test-node" {
		t.Errorf("serverId: got %q", resp.ServerID)
	}
	if resp.MaxConcurrentRequests != 7 {
		t.Errorf("maxConcurrentRequests: got %d, want 7", resp.MaxConcurrentRequests)
	}
	if resp.ActiveRequests != 0 {
		t.Errorf("activeRequests: got %d, want 0", resp.ActiveRequests)
	}
	if want := hex.EncodeToString(smt.NewTree().RootHash()); resp.SMTRootHash != want {
		t.Errorf("smtRootHash: got %s, want empty-tree root %s", resp.SMTRootHash, want)
	}
}

func TestParseHash(t *testing.T) {
	digest := sha256.Sum256([]byte("x"))
	hexDigest := hex.EncodeToString(digest[:])

	cases := []struct {
		name     string
		in       string
		wantAlgo types.HashAlgorithm
		wantErr  bool
	}{
		{name: "bare hex", in: hexDigest, wantAlgo: types.HashAlgorithmSHA256},
		{name: "tagged", in: "sha256:" + hexDigest, wantAlgo: types.HashAlgorithmSHA256},
		{name: "0x prefixed", in: "0x" + hexDigest, wantAlgo: types.HashAlgorithmSHA256},
		{name: "not hex", in: "zz", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := parseHash(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if h.Algorithm != tc.wantAlgo {
				t.Errorf("algorithm: got %s", h.Algorithm)
			}
			if !bytes.Equal(h.Digest, digest[:]) {
				t.Error("digest mismatch")
			}
		})
	}
}

func TestReceiptSigner_SignatureVerifies(t *testing.T) {
	signer, err := NewReceiptSigner("")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	state := sha256.Sum256([]byte("state"))
	tx := sha256.Sum256([]byte("tx"))
	reqID := sha256.Sum256([]byte("request"))
	c := types.Commitment{
		RequestID:       types.Hash{Algorithm: types.HashAlgorithmSHA256, Digest: reqID[:]},
		TransactionHash: types.Hash{Algorithm: types.HashAlgorithmSHA256, Digest: tx[:]},
		Authenticator: types.Authenticator{
			Algorithm: types.AlgorithmEd25519,
			StateHash: types.Hash{Algorithm: types.HashAlgorithmSHA256, Digest: state[:]},
		},
	}

	receipt, err := signer.Sign(c)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// The hash field must be the canonical digest of the request minus
	// the hash itself, and the signature must verify over it.
	unhashed := receipt.Request
	unhashed.Hash = ""
	digest, err := commitment.HashCanonical(unhashed)
	if err != nil {
		t.Fatalf("canonical hash: %v", err)
	}
	if hex.EncodeToString(digest) != receipt.Request.Hash {
		t.Error("receipt hash does not match canonical request digest")
	}

	pub, err := hex.DecodeString(receipt.PublicKey)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	sig, err := hex.DecodeString(receipt.Signature)
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), digest, sig) {
		t.Error("receipt signature does not verify")
	}
}

func TestReceiptSigner_FixedSeedIsDeterministic(t *testing.T) {
	seed := strings.Repeat("ab", 32)
	a, err := NewReceiptSigner(seed)
	if err != nil {
		t.Fatalf("signer a: %v", err)
	}
	b, err := NewReceiptSigner(seed)
	if err != nil {
		t.Fatalf("signer b: %v", err)
	}
	if !bytes.Equal(a.public, b.public) {
		t.Error("same seed produced different keys")
	}
}
