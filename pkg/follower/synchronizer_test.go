// Copyright 2025 Certen Protocol
//
// Follower Synchronizer Tests

package follower

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/aggregatornet/aggregator/pkg/leafstore"
	"github.com/aggregatornet/aggregator/pkg/smt"
	"github.com/aggregatornet/aggregator/pkg/types"
)

// fakeLeafSource serves leaves from memory, in insertion order.
type fakeLeafSource struct {
	leaves []leafstore.SequencedLeaf
	// missing suppresses the leaf at the given path to simulate a
	// lagging read replica; failUntil bounds how many reads stay stale
	// (0 means forever).
	missing   map[string]bool
	failUntil int
	calls     int
}

func (f *fakeLeafSource) GetByPaths(ctx context.Context, paths []*big.Int) ([]types.SMTLeaf, error) {
	f.calls++
	stale := len(f.missing) > 0 && (f.failUntil == 0 || f.calls <= f.failUntil)
	var out []types.SMTLeaf
	for _, p := range paths {
		if stale && f.missing[p.String()] {
			continue
		}
		for _, sl := range f.leaves {
			if sl.Leaf.Path.Cmp(p) == 0 {
				out = append(out, sl.Leaf)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeLeafSource) GetAllInChunksSince(ctx context.Context, afterSeq int64, chunkSize int, consume func([]leafstore.SequencedLeaf) error) error {
	var chunk []leafstore.SequencedLeaf
	for _, sl := range f.leaves {
		if sl.Sequence <= afterSeq {
			continue
		}
		chunk = append(chunk, sl)
		if len(chunk) == chunkSize {
			if err := consume(chunk); err != nil {
				return err
			}
			chunk = nil
		}
	}
	if len(chunk) > 0 {
		return consume(chunk)
	}
	return nil
}

type fakeBlockRecords struct {
	records map[uint64]*types.BlockRecords
}

func (f *fakeBlockRecords) GetBlockRecords(ctx context.Context, number uint64) (*types.BlockRecords, error) {
	r, ok := f.records[number]
	if !ok {
		return nil, errors.New("block not found")
	}
	return r, nil
}

func testLeaf(seed string, seq int64) (types.RequestID, leafstore.SequencedLeaf) {
	path := sha256.Sum256([]byte(seed))
	value := sha256.Sum256([]byte("value:" + seed))
	id := types.RequestID{Algorithm: types.HashAlgorithmSHA256, Digest: path[:]}
	return id, leafstore.SequencedLeaf{
		Leaf:     types.SMTLeaf{Path: new(big.Int).SetBytes(path[:]), Value: value[:]},
		Sequence: seq,
	}
}

func TestApplyBlock_AppliesLeaves(t *testing.T) {
	id1, l1 := testLeaf("a", 1)
	id2, l2 := testLeaf("b", 2)

	source := &fakeLeafSource{leaves: []leafstore.SequencedLeaf{l1, l2}}
	records := &fakeBlockRecords{records: map[uint64]*types.BlockRecords{
		1: {BlockNumber: 1, RequestIDs: []types.RequestID{id1, id2}},
	}}

	tree := smt.NewTree()
	s := New(tree, source, records)
	if err := s.ApplyBlock(context.Background(), 1); err != nil {
		t.Fatalf("apply block: %v", err)
	}

	// The follower's root must equal a tree built directly from the
	// same leaves.
	direct := smt.NewTree()
	for _, l := range []leafstore.SequencedLeaf{l1, l2} {
		if err := direct.AddLeaf(l.Leaf.Path, l.Leaf.Value); err != nil {
			t.Fatalf("direct add: %v", err)
		}
	}
	if !bytes.Equal(tree.RootHash(), direct.RootHash()) {
		t.Errorf("follower root %x != direct root %x", tree.RootHash(), direct.RootHash())
	}
}

func TestApplyBlock_EmptyBlockIsNoOp(t *testing.T) {
	source := &fakeLeafSource{}
	records := &fakeBlockRecords{records: map[uint64]*types.BlockRecords{
		1: {BlockNumber: 1},
	}}

	tree := smt.NewTree()
	before := tree.RootHash()
	s := New(tree, source, records)
	if err := s.ApplyBlock(context.Background(), 1); err != nil {
		t.Fatalf("apply block: %v", err)
	}
	if !bytes.Equal(tree.RootHash(), before) {
		t.Error("empty block changed the root")
	}
	if source.calls != 0 {
		t.Error("empty block should not hit the leaf store")
	}
}

func TestApplyBlock_MissingLeafIsFatalAfterRetries(t *testing.T) {
	// Shrink the backoffs so the retry ladder runs in test time.
	saved := fetchRetryBackoffs
	fetchRetryBackoffs = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { fetchRetryBackoffs = saved }()

	id1, l1 := testLeaf("a", 1)
	source := &fakeLeafSource{
		leaves:  []leafstore.SequencedLeaf{l1},
		missing: map[string]bool{l1.Leaf.Path.String(): true},
	}
	records := &fakeBlockRecords{records: map[uint64]*types.BlockRecords{
		1: {BlockNumber: 1, RequestIDs: []types.RequestID{id1}},
	}}

	s := New(smt.NewTree(), source, records)
	err := s.ApplyBlock(context.Background(), 1)
	if !errors.Is(err, ErrLeavesMissing) {
		t.Fatalf("got %v, want ErrLeavesMissing", err)
	}
	if want := len(fetchRetryBackoffs) + 1; source.calls != want {
		t.Errorf("fetch attempts: got %d, want %d", source.calls, want)
	}
}

func TestApplyBlock_RecoversWhenLeafAppearsOnRetry(t *testing.T) {
	saved := fetchRetryBackoffs
	fetchRetryBackoffs = []time.Duration{time.Millisecond, time.Millisecond}
	defer func() { fetchRetryBackoffs = saved }()

	id1, l1 := testLeaf("a", 1)
	// The leaf becomes visible on the second read.
	source := &fakeLeafSource{
		leaves:    []leafstore.SequencedLeaf{l1},
		missing:   map[string]bool{l1.Leaf.Path.String(): true},
		failUntil: 1,
	}
	records := &fakeBlockRecords{records: map[uint64]*types.BlockRecords{
		1: {BlockNumber: 1, RequestIDs: []types.RequestID{id1}},
	}}

	tree := smt.NewTree()
	s := New(tree, source, records)
	if err := s.ApplyBlock(context.Background(), 1); err != nil {
		t.Fatalf("apply block should recover: %v", err)
	}
	if source.calls != 2 {
		t.Errorf("fetch attempts: got %d, want 2", source.calls)
	}
}

func TestReload_RebuildsIdenticalTree(t *testing.T) {
	var leaves []leafstore.SequencedLeaf
	direct := smt.NewTree()
	for i, seed := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		_, l := testLeaf(seed, int64(i+1))
		leaves = append(leaves, l)
		if err := direct.AddLeaf(l.Leaf.Path, l.Leaf.Value); err != nil {
			t.Fatalf("direct add: %v", err)
		}
	}
	source := &fakeLeafSource{leaves: leaves}

	// A chunk size smaller than the leaf count forces multiple chunks.
	reloaded := smt.NewTree()
	if err := Reload(context.Background(), reloaded, source, nil, 3); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(reloaded.RootHash(), direct.RootHash()) {
		t.Errorf("reloaded root %x != direct root %x", reloaded.RootHash(), direct.RootHash())
	}
}
