// Copyright 2025 Certen Protocol
//
// Round Manager Tests

package roundmanager

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aggregatornet/aggregator/pkg/anchor"
	"github.com/aggregatornet/aggregator/pkg/database"
	"github.com/aggregatornet/aggregator/pkg/hashing"
	"github.com/aggregatornet/aggregator/pkg/smt"
	"github.com/aggregatornet/aggregator/pkg/types"
)

// fakeQueue keeps pending/processing commitments in memory with the
// same drain semantics as the Postgres queue.
type fakeQueue struct {
	pending    []types.Commitment
	processing []types.Commitment
}

func (q *fakeQueue) Put(ctx context.Context, c types.Commitment) error {
	q.pending = append(q.pending, c)
	return nil
}

func (q *fakeQueue) DrainForBlock(ctx context.Context) ([]types.Commitment, error) {
	q.processing = append(q.processing, q.pending...)
	q.pending = nil
	out := make([]types.Commitment, len(q.processing))
	copy(out, q.processing)
	return out, nil
}

func (q *fakeQueue) ConfirmBlockProcessed(ctx context.Context) error {
	q.processing = nil
	return nil
}

type fakeRecordStore struct {
	records map[string]types.AggregatorRecord
}

func (r *fakeRecordStore) PutBatch(ctx context.Context, records []types.AggregatorRecord) error {
	for _, rec := range records {
		if _, ok := r.records[rec.RequestID.String()]; !ok {
			r.records[rec.RequestID.String()] = rec
		}
	}
	return nil
}

type fakeLeafStore struct {
	leaves map[string][]byte
}

func (l *fakeLeafStore) PutBatch(ctx context.Context, leaves []types.SMTLeaf) error {
	for _, leaf := range leaves {
		l.leaves[leaf.Path.String()] = leaf.Value
	}
	return nil
}

type fakeBlockStore struct {
	mu      sync.Mutex
	blocks  map[uint64]types.Block
	records map[uint64]types.BlockRecords
}

func (b *fakeBlockStore) NextBlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.blocks)) + 1, nil
}

func (b *fakeBlockStore) Put(ctx context.Context, block types.Block, records types.BlockRecords) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := uint64(len(b.blocks)) + 1
	if block.Index != next {
		return fmt.Errorf("out of order block %d, want %d", block.Index, next)
	}
	b.blocks[block.Index] = block
	b.records[block.Index] = records
	return nil
}

func (b *fakeBlockStore) GetBlock(ctx context.Context, number uint64) (*types.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	block, ok := b.blocks[number]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &block, nil
}

func (b *fakeBlockStore) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blocks)
}

// failingAnchor rejects every submission.
type failingAnchor struct{}

func (failingAnchor) SubmitRootHash(ctx context.Context, root []byte) (*anchor.Response, error) {
	return nil, errors.New("anchor unavailable")
}

var initialBlockHash = bytes.Repeat([]byte{0x18}, 32)

type fixture struct {
	manager *Manager
	tree    *smt.Tree
	queue   *fakeQueue
	records *fakeRecordStore
	leaves  *fakeLeafStore
	blocks  *fakeBlockStore
}

func newFixture(anchorClient anchor.Client) *fixture {
	f := &fixture{
		tree:    smt.NewTree(),
		queue:   &fakeQueue{},
		records: &fakeRecordStore{records: make(map[string]types.AggregatorRecord)},
		leaves:  &fakeLeafStore{leaves: make(map[string][]byte)},
		blocks:  &fakeBlockStore{blocks: make(map[uint64]types.Block), records: make(map[uint64]types.BlockRecords)},
	}
	f.manager = New(Config{
		ChainID:               1,
		Version:               1,
		ForkID:                1,
		InitialBlockHash:      initialBlockHash,
		BlockCreationWaitTime: time.Second,
	}, f.tree, f.queue, f.records, f.leaves, f.blocks, anchorClient, nil)
	return f
}

func testCommitment(t *testing.T, txSeed string) types.Commitment {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	state := sha256.Sum256([]byte("state:" + txSeed))
	stateHash := types.Hash{Algorithm: types.HashAlgorithmSHA256, Digest: state[:]}
	tx := sha256.Sum256([]byte(txSeed))
	txHash := types.Hash{Algorithm: types.HashAlgorithmSHA256, Digest: tx[:]}
	return types.Commitment{
		RequestID:       hashing.RequestID(pub, stateHash),
		TransactionHash: txHash,
		Authenticator: types.Authenticator{
			Algorithm: types.AlgorithmEd25519,
			PublicKey: pub,
			Signature: ed25519.Sign(priv, txHash.Digest),
			StateHash: stateHash,
		},
	}
}

func TestCreateBlock_EmptyRound(t *testing.T) {
	f := newFixture(anchor.NewMockClient())

	block, err := f.manager.CreateBlock(context.Background())
	if err != nil {
		t.Fatalf("create block: %v", err)
	}
	if block.Index != 1 {
		t.Errorf("index: got %d, want 1", block.Index)
	}
	if !bytes.Equal(block.PreviousBlockHash, initialBlockHash) {
		t.Errorf("previous hash: got %x, want initial hash", block.PreviousBlockHash)
	}
	if !bytes.Equal(block.RootHash, f.tree.RootHash()) {
		t.Error("block root does not match tree root")
	}
	if got := len(f.blocks.records[1].RequestIDs); got != 0 {
		t.Errorf("empty round recorded %d request ids", got)
	}
	if block.NoDeletionProofHash != nil {
		t.Error("noDeletionProofHash must stay nil")
	}
}

func TestCreateBlock_SealsCommitmentsInOrder(t *testing.T) {
	f := newFixture(anchor.NewMockClient())
	ctx := context.Background()

	c1 := testCommitment(t, "tx-1")
	c2 := testCommitment(t, "tx-2")
	for _, c := range []types.Commitment{c1, c2} {
		if err := f.manager.SubmitCommitment(ctx, c); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	block, err := f.manager.CreateBlock(ctx)
	if err != nil {
		t.Fatalf("create block: %v", err)
	}

	ids := f.blocks.records[block.Index].RequestIDs
	if len(ids) != 2 {
		t.Fatalf("block records: got %d ids, want 2", len(ids))
	}
	if !ids[0].Equal(c1.RequestID) || !ids[1].Equal(c2.RequestID) {
		t.Error("request ids not in submission order")
	}

	for _, c := range []types.Commitment{c1, c2} {
		if _, ok := f.records.records[c.RequestID.String()]; !ok {
			t.Errorf("record for %s not persisted", c.RequestID)
		}
		value, ok := f.leaves.leaves[c.RequestID.BigInt().String()]
		if !ok {
			t.Errorf("leaf for %s not persisted", c.RequestID)
		} else if !bytes.Equal(value, hashing.LeafValue(c.Authenticator, c.TransactionHash)) {
			t.Errorf("leaf value mismatch for %s", c.RequestID)
		}
	}

	if len(f.queue.processing) != 0 || len(f.queue.pending) != 0 {
		t.Error("queue not confirmed after seal")
	}
	if f.manager.CommitmentCount() != 2 {
		t.Errorf("commitment count: got %d, want 2", f.manager.CommitmentCount())
	}
}

func TestCreateBlock_ChainsOnAnchorWitness(t *testing.T) {
	f := newFixture(anchor.NewMockClient())
	ctx := context.Background()

	block1, err := f.manager.CreateBlock(ctx)
	if err != nil {
		t.Fatalf("block 1: %v", err)
	}

	if err := f.manager.SubmitCommitment(ctx, testCommitment(t, "tx-1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	block2, err := f.manager.CreateBlock(ctx)
	if err != nil {
		t.Fatalf("block 2: %v", err)
	}

	if !bytes.Equal(block2.PreviousBlockHash, block1.RootHash) {
		t.Errorf("block 2 previous hash %x does not witness block 1 root %x",
			block2.PreviousBlockHash, block1.RootHash)
	}
}

func TestCreateBlock_AnchorFailureKeepsQueue(t *testing.T) {
	f := newFixture(failingAnchor{})
	ctx := context.Background()

	c := testCommitment(t, "tx-1")
	if err := f.manager.SubmitCommitment(ctx, c); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := f.manager.CreateBlock(ctx); err == nil {
		t.Fatal("expected anchor failure to abort the round")
	}
	if f.blocks.count() != 0 {
		t.Error("failed round must not seal a block")
	}
	if len(f.queue.processing) != 1 {
		t.Fatalf("commitment should stay processing, got %d", len(f.queue.processing))
	}
}

func TestCreateBlock_RetriesDrainedCommitmentsAfterAnchorFailure(t *testing.T) {
	f := newFixture(failingAnchor{})
	ctx := context.Background()

	c := testCommitment(t, "tx-1")
	if err := f.manager.SubmitCommitment(ctx, c); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.manager.CreateBlock(ctx); err == nil {
		t.Fatal("expected anchor failure")
	}

	// The anchor recovers; the next round must include the commitment
	// that was left processing, and the re-inserts must all tolerate the
	// replay.
	f.manager.anchors = anchor.NewMockClient()
	block, err := f.manager.CreateBlock(ctx)
	if err != nil {
		t.Fatalf("retry round: %v", err)
	}

	ids := f.blocks.records[block.Index].RequestIDs
	if len(ids) != 1 || !ids[0].Equal(c.RequestID) {
		t.Fatalf("retry round did not carry the drained commitment")
	}
	if len(f.queue.processing) != 0 {
		t.Error("queue not confirmed after successful retry")
	}
}

func TestCreateBlock_DuplicateLeafReplayIsNoOp(t *testing.T) {
	f := newFixture(anchor.NewMockClient())
	ctx := context.Background()

	c := testCommitment(t, "tx-1")
	if err := f.manager.SubmitCommitment(ctx, c); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.manager.CreateBlock(ctx); err != nil {
		t.Fatalf("block 1: %v", err)
	}
	rootAfterFirst := f.tree.RootHash()

	// The same commitment re-enqueued (crash recovery shape): the tree
	// add must be a silent no-op and the root unchanged.
	if err := f.manager.SubmitCommitment(ctx, c); err != nil {
		t.Fatalf("re-submit: %v", err)
	}
	if _, err := f.manager.CreateBlock(ctx); err != nil {
		t.Fatalf("block 2: %v", err)
	}
	if !bytes.Equal(f.tree.RootHash(), rootAfterFirst) {
		t.Error("replaying an identical commitment changed the root")
	}
}

func TestStartStopBlockProduction(t *testing.T) {
	f := newFixture(anchor.NewMockClient())

	f.manager.StartBlockProduction()
	// Idempotent start must not spawn a second producer.
	f.manager.StartBlockProduction()

	deadline := time.After(3 * time.Second)
	for f.blocks.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no block produced within deadline")
		case <-time.After(50 * time.Millisecond):
		}
	}

	f.manager.StopBlockProduction()
	sealed := f.blocks.count()
	time.Sleep(1500 * time.Millisecond)
	if got := f.blocks.count(); got != sealed {
		t.Errorf("blocks sealed after stop: %d -> %d", sealed, got)
	}
}
