// Copyright 2025 Certen Protocol
package rpcserver

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aggregatornet/aggregator/pkg/types"
)

// JSON-RPC 2.0 error codes. The -32000..-32099 range is
// implementation-defined; capacity and not-found rejections live there.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeAtCapacity     = -32000
	codeNotFound       = -32001
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	writeRPC(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func writeRPCError(w http.ResponseWriter, httpStatus int, id json.RawMessage, code int, message string) {
	writeRPC(w, httpStatus, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: message}, ID: id})
}

func writeRPC(w http.ResponseWriter, httpStatus int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}

// parseHash reads the wire form of a tagged hash, "<algorithm>:<hex>".
// A bare hex string is accepted and read as sha256.
func parseHash(s string) (types.Hash, error) {
	algo := types.HashAlgorithmSHA256
	if i := strings.IndexByte(s, ':'); i >= 0 {
		algo = types.HashAlgorithm(s[:i])
		s = s[i+1:]
	}
	digest, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return types.Hash{}, fmt.Errorf("malformed hash %q: %v", s, err)
	}
	if len(digest) == 0 {
		return types.Hash{}, fmt.Errorf("empty hash")
	}
	return types.Hash{Algorithm: algo, Digest: digest}, nil
}

func parseHexBytes(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("malformed hex %q: %v", s, err)
	}
	return b, nil
}

// authenticatorJSON is the wire form of an Authenticator.
type authenticatorJSON struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	StateHash string `json:"stateHash"`
}

func (a authenticatorJSON) toDomain() (types.Authenticator, error) {
	pub, err := parseHexBytes(a.PublicKey)
	if err != nil {
		return types.Authenticator{}, fmt.Errorf("publicKey: %v", err)
	}
	sig, err := parseHexBytes(a.Signature)
	if err != nil {
		return types.Authenticator{}, fmt.Errorf("signature: %v", err)
	}
	state, err := parseHash(a.StateHash)
	if err != nil {
		return types.Authenticator{}, fmt.Errorf("stateHash: %v", err)
	}
	return types.Authenticator{
		Algorithm: types.HashAlgorithm(a.Algorithm),
		PublicKey: pub,
		Signature: sig,
		StateHash: state,
	}, nil
}

func authenticatorToJSON(a types.Authenticator) authenticatorJSON {
	return authenticatorJSON{
		Algorithm: string(a.Algorithm),
		PublicKey: hex.EncodeToString(a.PublicKey),
		Signature: hex.EncodeToString(a.Signature),
		StateHash: a.StateHash.String(),
	}
}

// recordJSON is the wire form of an AggregatorRecord.
type recordJSON struct {
	RequestID       string            `json:"requestId"`
	TransactionHash string            `json:"transactionHash"`
	Authenticator   authenticatorJSON `json:"authenticator"`
	SequenceID      int64             `json:"sequenceId"`
}

func recordToJSON(r *types.AggregatorRecord) recordJSON {
	return recordJSON{
		RequestID:       r.RequestID.String(),
		TransactionHash: r.TransactionHash.String(),
		Authenticator:   authenticatorToJSON(r.Authenticator),
		SequenceID:      r.SequenceID,
	}
}

// blockJSON is the wire form of a sealed block.
type blockJSON struct {
	BlockNumber         string  `json:"blockNumber"`
	ChainID             int64   `json:"chainId"`
	Version             int     `json:"version"`
	ForkID              int     `json:"forkId"`
	Timestamp           string  `json:"timestamp"`
	AnchorProof         string  `json:"anchorProof"`
	PreviousBlockHash   string  `json:"previousBlockHash"`
	RootHash            string  `json:"rootHash"`
	NoDeletionProofHash *string `json:"noDeletionProofHash"`
}

func blockToJSON(b *types.Block) blockJSON {
	out := blockJSON{
		BlockNumber:       fmt.Sprintf("%d", b.Index),
		ChainID:           b.ChainID,
		Version:           b.Version,
		ForkID:            b.ForkID,
		Timestamp:         b.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		AnchorProof:       hex.EncodeToString(b.AnchorProof),
		PreviousBlockHash: hex.EncodeToString(b.PreviousBlockHash),
		RootHash:          hex.EncodeToString(b.RootHash),
	}
	if b.NoDeletionProofHash != nil {
		s := hex.EncodeToString(b.NoDeletionProofHash)
		out.NoDeletionProofHash = &s
	}
	return out
}

// merkleTreePathJSON is the wire form of an SMT proof path.
type merkleTreePathJSON struct {
	Root     string   `json:"root"`
	Path     string   `json:"path"` // base-10 path value
	Value    *string  `json:"value"`
	Siblings []string `json:"siblings"` // leaf-to-root order
}
