// Copyright 2025 Certen Protocol
//
// Package rpcserver exposes the aggregator's JSON-RPC 2.0 surface on "/"
// and the health probe on "/health". Handlers are hand-rolled net/http,
// one POST body per method call, with a per-node admission gate bounding
// concurrent requests.
package rpcserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aggregatornet/aggregator/pkg/blockstore"
	"github.com/aggregatornet/aggregator/pkg/database"
	"github.com/aggregatornet/aggregator/pkg/election"
	"github.com/aggregatornet/aggregator/pkg/recordstore"
	"github.com/aggregatornet/aggregator/pkg/roundmanager"
	"github.com/aggregatornet/aggregator/pkg/smt"
	"github.com/aggregatornet/aggregator/pkg/types"
	"github.com/aggregatornet/aggregator/pkg/validator"
)

// capacityMessage is the exact client-visible text for admission
// rejections.
const capacityMessage = "Server is at capacity. Please try again later."

// Config carries the server's listen address and admission limit.
type Config struct {
	ListenAddr       string
	ServerID         string
	ConcurrencyLimit int
}

// Server hosts the JSON-RPC surface for one replica.
type Server struct {
	cfg       Config
	validator *validator.Validator
	rounds    *roundmanager.Manager
	records   *recordstore.Store
	blocks    *blockstore.Store
	tree      *smt.Tree
	elector   *election.Elector
	signer    *ReceiptSigner

	active atomic.Int64
	http   *http.Server
	logger *log.Logger
}

// New wires a Server over the replica's shared components.
func New(cfg Config, v *validator.Validator, rounds *roundmanager.Manager,
	records *recordstore.Store, blocks *blockstore.Store, tree *smt.Tree,
	elector *election.Elector, signer *ReceiptSigner) *Server {
	s := &Server{
		cfg:       cfg,
		validator: v,
		rounds:    rounds,
		records:   records,
		blocks:    blocks,
		tree:      tree,
		elector:   elector,
		signer:    signer,
		logger:    log.New(log.Writer(), "[RPCServer] ", log.LstdFlags),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/health", s.handleHealth)
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("listening on %s", s.cfg.ListenAddr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ActiveRequests reports the number of requests currently admitted.
func (s *Server) ActiveRequests() int64 {
	return s.active.Load()
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeRPCError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required")
		return
	}

	// The counter covers every admitted request including the one being
	// rejected, and the deferred decrement runs on every exit path, so
	// the health probe always settles back to zero.
	admitted := s.active.Add(1)
	defer s.active.Add(-1)
	if admitted > int64(s.cfg.ConcurrencyLimit) {
		writeRPCError(w, http.StatusServiceUnavailable, nil, codeAtCapacity, capacityMessage)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, codeParseError, "malformed JSON")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "not a JSON-RPC 2.0 request")
		return
	}

	ctx := r.Context()
	switch req.Method {
	case "submit_commitment":
		s.submitCommitment(ctx, w, req)
	case "get_inclusion_proof":
		s.getInclusionProof(ctx, w, req)
	case "get_block_height":
		s.getBlockHeight(ctx, w, req)
	case "get_block":
		s.getBlock(ctx, w, req)
	case "get_block_commitments":
		s.getBlockCommitments(ctx, w, req)
	case "get_no_deletion_proof":
		writeRPCError(w, http.StatusOK, req.ID, codeInternalError, "no-deletion proofs are not implemented")
	default:
		writeRPCError(w, http.StatusOK, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

type submitParams struct {
	RequestID       string            `json:"requestId"`
	TransactionHash string            `json:"transactionHash"`
	Authenticator   authenticatorJSON `json:"authenticator"`
	Receipt         bool              `json:"receipt"`
}

type submitResult struct {
	Status  types.ValidationStatus `json:"status"`
	Receipt *receiptJSON           `json:"receipt,omitempty"`
}

func (s *Server) submitCommitment(ctx context.Context, w http.ResponseWriter, req rpcRequest) {
	var params submitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "malformed params")
		return
	}

	requestID, err := parseHash(params.RequestID)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("requestId: %v", err))
		return
	}
	txHash, err := parseHash(params.TransactionHash)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("transactionHash: %v", err))
		return
	}
	auth, err := params.Authenticator.toDomain()
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("authenticator: %v", err))
		return
	}

	c := types.Commitment{RequestID: requestID, TransactionHash: txHash, Authenticator: auth}

	result, err := s.validator.Validate(ctx, c)
	if err != nil {
		s.logger.Printf("validate %s: %v", requestID, err)
		writeRPCError(w, http.StatusInternalServerError, req.ID, codeInternalError, "validation failed")
		return
	}

	if result.Status == types.StatusSuccess && !result.Exists {
		if err := s.rounds.SubmitCommitment(ctx, c); err != nil {
			s.logger.Printf("enqueue %s: %v", requestID, err)
			writeRPCError(w, http.StatusInternalServerError, req.ID, codeInternalError, "commitment could not be queued")
			return
		}
	}

	out := submitResult{Status: result.Status}
	if params.Receipt && result.Status == types.StatusSuccess {
		receipt, err := s.signer.Sign(c)
		if err != nil {
			s.logger.Printf("receipt for %s: %v", requestID, err)
			writeRPCError(w, http.StatusInternalServerError, req.ID, codeInternalError, "receipt signing failed")
			return
		}
		out.Receipt = receipt
	}
	writeRPCResult(w, req.ID, out)
}

type inclusionProofParams struct {
	RequestID string `json:"requestId"`
}

type inclusionProofResult struct {
	MerkleTreePath  merkleTreePathJSON `json:"merkleTreePath"`
	Authenticator   *authenticatorJSON `json:"authenticator"`
	TransactionHash *string            `json:"transactionHash"`
}

func (s *Server) getInclusionProof(ctx context.Context, w http.ResponseWriter, req rpcRequest) {
	var params inclusionProofParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "malformed params")
		return
	}
	requestID, err := parseHash(params.RequestID)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("requestId: %v", err))
		return
	}

	path, err := s.tree.GetPath(requestID.BigInt())
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("requestId: %v", err))
		return
	}

	out := inclusionProofResult{MerkleTreePath: merkleTreePathJSON{
		Root:     hex.EncodeToString(s.tree.RootHash()),
		Path:     path.Path.String(),
		Siblings: make([]string, len(path.Siblings)),
	}}
	for i, sib := range path.Siblings {
		out.MerkleTreePath.Siblings[i] = hex.EncodeToString(sib)
	}
	if path.Value != nil {
		v := hex.EncodeToString(path.Value)
		out.MerkleTreePath.Value = &v
	}

	// A present leaf carries the stored record's authenticator so the
	// caller can rebuild and check the leaf value; a non-inclusion path
	// carries neither.
	record, err := s.records.Get(ctx, requestID)
	if err == nil {
		auth := authenticatorToJSON(record.Authenticator)
		tx := record.TransactionHash.String()
		out.Authenticator = &auth
		out.TransactionHash = &tx
	} else if err != database.ErrNotFound {
		s.logger.Printf("record lookup for proof %s: %v", requestID, err)
		writeRPCError(w, http.StatusInternalServerError, req.ID, codeInternalError, "record lookup failed")
		return
	}
	writeRPCResult(w, req.ID, out)
}

func (s *Server) getBlockHeight(ctx context.Context, w http.ResponseWriter, req rpcRequest) {
	height, err := s.blocks.GetBlockHeight(ctx)
	if err == database.ErrNotFound {
		height = 0
	} else if err != nil {
		s.logger.Printf("block height: %v", err)
		writeRPCError(w, http.StatusInternalServerError, req.ID, codeInternalError, "block height lookup failed")
		return
	}
	writeRPCResult(w, req.ID, map[string]string{"blockNumber": strconv.FormatUint(height, 10)})
}

type blockParams struct {
	BlockNumber string `json:"blockNumber"`
}

// resolveBlockNumber maps a params blockNumber ("latest" or base-10) to
// a concrete number. The bool reports whether the response was already
// written.
func (s *Server) resolveBlockNumber(ctx context.Context, w http.ResponseWriter, req rpcRequest) (uint64, bool) {
	var params blockParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "malformed params")
		return 0, true
	}
	if params.BlockNumber == "latest" {
		height, err := s.blocks.GetBlockHeight(ctx)
		if err == database.ErrNotFound {
			writeRPCError(w, http.StatusNotFound, req.ID, codeNotFound, "no blocks sealed yet")
			return 0, true
		}
		if err != nil {
			s.logger.Printf("block height: %v", err)
			writeRPCError(w, http.StatusInternalServerError, req.ID, codeInternalError, "block height lookup failed")
			return 0, true
		}
		return height, false
	}
	n, err := strconv.ParseUint(params.BlockNumber, 10, 64)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidParams,
			fmt.Sprintf("blockNumber %q is not a block number", params.BlockNumber))
		return 0, true
	}
	return n, false
}

func (s *Server) getBlock(ctx context.Context, w http.ResponseWriter, req rpcRequest) {
	n, done := s.resolveBlockNumber(ctx, w, req)
	if done {
		return
	}
	block, err := s.blocks.GetBlock(ctx, n)
	if err == database.ErrNotFound {
		writeRPCError(w, http.StatusNotFound, req.ID, codeNotFound, fmt.Sprintf("block %d not found", n))
		return
	}
	if err != nil {
		s.logger.Printf("get block %d: %v", n, err)
		writeRPCError(w, http.StatusInternalServerError, req.ID, codeInternalError, "block lookup failed")
		return
	}
	writeRPCResult(w, req.ID, blockToJSON(block))
}

func (s *Server) getBlockCommitments(ctx context.Context, w http.ResponseWriter, req rpcRequest) {
	n, done := s.resolveBlockNumber(ctx, w, req)
	if done {
		return
	}
	blockRecords, err := s.blocks.GetBlockRecords(ctx, n)
	if err == database.ErrNotFound {
		writeRPCError(w, http.StatusNotFound, req.ID, codeNotFound, fmt.Sprintf("block %d not found", n))
		return
	}
	if err != nil {
		s.logger.Printf("get block records %d: %v", n, err)
		writeRPCError(w, http.StatusInternalServerError, req.ID, codeInternalError, "block records lookup failed")
		return
	}

	records, err := s.records.GetByRequestIDs(ctx, blockRecords.RequestIDs)
	if err != nil {
		s.logger.Printf("get records for block %d: %v", n, err)
		writeRPCError(w, http.StatusInternalServerError, req.ID, codeInternalError, "record lookup failed")
		return
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SequenceID < records[j].SequenceID })

	// An empty block yields an empty array, not null and not an error.
	out := make([]recordJSON, 0, len(records))
	for _, r := range records {
		out = append(out, recordToJSON(r))
	}
	writeRPCResult(w, req.ID, out)
}

type healthResponse struct {
	Role                  string `json:"role"`
	ServerID              string `json:"serverId"`
	SMTRootHash           string `json:"smtRootHash"`
	ActiveRequests        int64  `json:"activeRequests"`
	MaxConcurrentRequests int    `json:"maxConcurrentRequests"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET required", http.StatusMethodNotAllowed)
		return
	}
	role := "follower"
	if s.elector.State() == election.StateLeader {
		role = "leader"
	}
	resp := healthResponse{
		Role:                  role,
		ServerID:              s.cfg.ServerID,
		SMTRootHash:           hex.EncodeToString(s.tree.RootHash()),
		ActiveRequests:        s.active.Load(),
		MaxConcurrentRequests: s.cfg.ConcurrencyLimit,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
