// Copyright 2025 Certen Protocol
//
// Package roundmanager drives block production: drain the pending queue,
// persist records and leaves, mutate the SMT, anchor the new root, and
// seal the block. Rounds fire on whole-second wallclock boundaries and
// run only while this node holds leadership.
package roundmanager

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aggregatornet/aggregator/pkg/anchor"
	"github.com/aggregatornet/aggregator/pkg/database"
	"github.com/aggregatornet/aggregator/pkg/hashing"
	"github.com/aggregatornet/aggregator/pkg/smt"
	"github.com/aggregatornet/aggregator/pkg/types"
)

// PendingQueue is the slice of the pending queue the round manager uses.
type PendingQueue interface {
	Put(ctx context.Context, c types.Commitment) error
	DrainForBlock(ctx context.Context) ([]types.Commitment, error)
	ConfirmBlockProcessed(ctx context.Context) error
}

// RecordStore persists accepted commitments.
type RecordStore interface {
	PutBatch(ctx context.Context, records []types.AggregatorRecord) error
}

// LeafStore persists SMT leaves.
type LeafStore interface {
	PutBatch(ctx context.Context, leaves []types.SMTLeaf) error
}

// BlockStore seals blocks and reports the chain head.
type BlockStore interface {
	NextBlockNumber(ctx context.Context) (uint64, error)
	Put(ctx context.Context, block types.Block, records types.BlockRecords) error
	GetBlock(ctx context.Context, number uint64) (*types.Block, error)
}

// BlockObserver is notified after each durably sealed block. Observers
// run off the commit-critical path; their errors are logged, never
// propagated.
type BlockObserver interface {
	OnBlockSealed(ctx context.Context, block types.Block, records types.BlockRecords)
}

// Config carries the block-header identity and round tuning.
type Config struct {
	ChainID          int64
	Version          int
	ForkID           int
	InitialBlockHash []byte
	// BlockCreationWaitTime bounds how long StopBlockProduction waits for
	// an in-flight round before giving up on a graceful stop.
	BlockCreationWaitTime time.Duration
}

// Manager orchestrates rounds for one replica.
type Manager struct {
	cfg      Config
	tree     *smt.Tree
	queue    PendingQueue
	records  RecordStore
	leaves   LeafStore
	blocks   BlockStore
	anchors  anchor.Client
	observer BlockObserver

	logger *log.Logger

	// lastSealedRoot is the root hash of the most recently sealed block,
	// kept to sanity-check the anchor's previous-root witness.
	lastSealedRoot []byte

	commitmentCount atomic.Int64

	mu       sync.Mutex
	active   bool
	stopCh   chan struct{}
	inFlight sync.WaitGroup
}

// New constructs a Manager. observer may be nil.
func New(cfg Config, tree *smt.Tree, queue PendingQueue, records RecordStore,
	leaves LeafStore, blocks BlockStore, anchors anchor.Client, observer BlockObserver) *Manager {
	return &Manager{
		cfg:      cfg,
		tree:     tree,
		queue:    queue,
		records:  records,
		leaves:   leaves,
		blocks:   blocks,
		anchors:  anchors,
		observer: observer,
		logger:   log.New(log.Writer(), "[RoundManager] ", log.LstdFlags),
	}
}

// SubmitCommitment durably enqueues a validated commitment for the next
// block. Returns only after the queue write is acknowledged.
func (m *Manager) SubmitCommitment(ctx context.Context, c types.Commitment) error {
	if err := m.queue.Put(ctx, c); err != nil {
		return fmt.Errorf("roundmanager: submit: %w", err)
	}
	return nil
}

// CommitmentCount returns how many commitments this replica has sealed
// into blocks since boot.
func (m *Manager) CommitmentCount() int64 {
	return m.commitmentCount.Load()
}

// StartBlockProduction arms the round timer. Called when this node
// becomes leader. A second call while already active is a no-op.
func (m *Manager) StartBlockProduction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return
	}
	m.active = true
	m.stopCh = make(chan struct{})
	m.inFlight.Add(1)
	go m.produce(m.stopCh)
	m.logger.Println("block production started")
}

// StopBlockProduction disarms the round timer and waits up to the
// configured wait time for an in-flight round to finish. The round
// itself is never aborted mid-way: a sealed block stands even if
// leadership was lost while producing it.
func (m *Manager) StopBlockProduction() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	close(m.stopCh)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Println("block production stopped")
	case <-time.After(m.cfg.BlockCreationWaitTime):
		m.logger.Println("block production stop timed out with a round still in flight")
	}
}

// produce runs rounds aligned to whole-second wallclock boundaries until
// stopCh closes. A failed round backs off one second and then waits for
// the next whole-second boundary, so a persistently failing anchor does
// not busy-loop.
func (m *Manager) produce(stopCh chan struct{}) {
	defer m.inFlight.Done()
	for {
		wait := time.Until(time.Now().Truncate(time.Second).Add(time.Second))
		select {
		case <-stopCh:
			return
		case <-time.After(wait):
		}

		ctx := context.Background()
		if _, err := m.CreateBlock(ctx); err != nil {
			m.logger.Printf("round failed: %v", err)
			select {
			case <-stopCh:
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// CreateBlock runs one full round. Executed exclusively by the current
// leader; invocations are serialized by the production loop.
func (m *Manager) CreateBlock(ctx context.Context) (*types.Block, error) {
	n, err := m.blocks.NextBlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	// An empty drain still seals a block: the anchor heartbeat and the
	// followers' feed both depend on the chain advancing every round.
	commitments, err := m.queue.DrainForBlock(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]types.AggregatorRecord, len(commitments))
	leaves := make([]types.SMTLeaf, len(commitments))
	ids := make([]types.RequestID, len(commitments))
	for i, c := range commitments {
		records[i] = types.AggregatorRecord{
			RequestID:       c.RequestID,
			TransactionHash: c.TransactionHash,
			Authenticator:   c.Authenticator,
		}
		leaves[i] = types.SMTLeaf{
			Path:  c.RequestID.BigInt(),
			Value: hashing.LeafValue(c.Authenticator, c.TransactionHash),
		}
		ids[i] = c.RequestID
	}

	// Records and leaves persist concurrently while the in-memory tree
	// mutates; both must land before the anchor call.
	errCh := make(chan error, 2)
	go func() { errCh <- m.records.PutBatch(ctx, records) }()
	go func() { errCh <- m.leaves.PutBatch(ctx, leaves) }()

	treeLeaves := make([]smt.Leaf, len(leaves))
	for i, l := range leaves {
		treeLeaves[i] = smt.Leaf{Path: l.Path, Value: l.Value}
	}
	if err := m.tree.AddLeaves(treeLeaves); err != nil {
		// Identical duplicates were already skipped inside AddLeaves;
		// anything surfacing here is a value conflict, which nothing in
		// recovery can repair.
		return nil, fmt.Errorf("roundmanager: smt add: %w", err)
	}

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			return nil, fmt.Errorf("roundmanager: persist round %d: %w", n, err)
		}
	}

	root := m.tree.RootHash()
	anchorResp, err := m.anchors.SubmitRootHash(ctx, root)
	if err != nil {
		// The tree already includes this round's leaves, so retrying next
		// round submits the same root; the queue rows stay PROCESSING and
		// recovery re-drains them.
		return nil, fmt.Errorf("roundmanager: anchor round %d: %w", n, err)
	}

	previous := m.previousBlockHash(ctx, n, anchorResp)

	block := types.Block{
		Index:             n,
		ChainID:           m.cfg.ChainID,
		Version:           m.cfg.Version,
		ForkID:            m.cfg.ForkID,
		Timestamp:         anchorResp.Timestamp,
		AnchorProof:       anchorResp.Proof,
		PreviousBlockHash: previous,
		RootHash:          root,
	}
	blockRecords := types.BlockRecords{BlockNumber: n, RequestIDs: ids}

	if err := m.blocks.Put(ctx, block, blockRecords); err != nil {
		return nil, fmt.Errorf("roundmanager: seal block %d: %w", n, err)
	}
	m.lastSealedRoot = root

	if len(commitments) > 0 {
		if err := m.queue.ConfirmBlockProcessed(ctx); err != nil {
			// The block is sealed; a re-drain after restart re-inserts
			// records and leaves as no-ops.
			m.logger.Printf("confirm after block %d failed: %v", n, err)
		}
	}
	m.commitmentCount.Add(int64(len(commitments)))

	if m.observer != nil {
		m.observer.OnBlockSealed(ctx, block, blockRecords)
	}

	m.logger.Printf("sealed block %d with %d commitments, root %x", n, len(commitments), root)
	return &block, nil
}

// previousBlockHash resolves the previous-block link: the configured
// initial hash for block 1, the anchor's previous-root witness after
// that. The witness is used verbatim; a disagreement with the locally
// sealed chain is logged for operators but does not fail the round.
func (m *Manager) previousBlockHash(ctx context.Context, n uint64, resp *anchor.Response) []byte {
	if n == 1 {
		return m.cfg.InitialBlockHash
	}

	local := m.lastSealedRoot
	if local == nil {
		if prev, err := m.blocks.GetBlock(ctx, n-1); err == nil {
			local = prev.RootHash
		} else if err != database.ErrNotFound {
			m.logger.Printf("could not read block %d for witness check: %v", n-1, err)
		}
	}
	if resp.PreviousRootWitness == nil {
		// A ledger with no memory of a prior submission (fresh mock, or a
		// contract redeploy) cannot witness the chain; fall back to the
		// locally sealed root so the chain link stays intact.
		return local
	}
	if local != nil && !bytes.Equal(local, resp.PreviousRootWitness) {
		m.logger.Printf("warning: anchor witness %x disagrees with locally sealed root %x at block %d",
			resp.PreviousRootWitness, local, n)
	}
	return resp.PreviousRootWitness
}
