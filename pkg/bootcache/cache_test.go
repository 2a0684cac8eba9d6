// Copyright 2025 Certen Protocol
//
// Boot Cache Tests

package bootcache

import (
	"bytes"
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/aggregatornet/aggregator/pkg/leafstore"
	"github.com/aggregatornet/aggregator/pkg/types"
)

func cachedLeaf(seed string, seq int64) leafstore.SequencedLeaf {
	path := sha256.Sum256([]byte(seed))
	value := sha256.Sum256([]byte("value:" + seed))
	return leafstore.SequencedLeaf{
		Leaf:     types.SMTLeaf{Path: new(big.Int).SetBytes(path[:]), Value: value[:]},
		Sequence: seq,
	}
}

func TestStoreAndReplay_RoundTrip(t *testing.T) {
	cache, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cache.Close()

	stored := []leafstore.SequencedLeaf{
		cachedLeaf("a", 3),
		cachedLeaf("b", 7),
		cachedLeaf("c", 12),
	}
	if err := cache.Store(stored); err != nil {
		t.Fatalf("store: %v", err)
	}

	var replayed []leafstore.SequencedLeaf
	last, err := cache.Replay(func(path *big.Int, value []byte) error {
		replayed = append(replayed, leafstore.SequencedLeaf{
			Leaf: types.SMTLeaf{Path: path, Value: value},
		})
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if last != 12 {
		t.Errorf("last sequence: got %d, want 12", last)
	}
	if len(replayed) != len(stored) {
		t.Fatalf("replayed %d leaves, want %d", len(replayed), len(stored))
	}
	for i := range stored {
		if stored[i].Leaf.Path.Cmp(replayed[i].Leaf.Path) != 0 {
			t.Errorf("leaf %d path mismatch", i)
		}
		if !bytes.Equal(stored[i].Leaf.Value, replayed[i].Leaf.Value) {
			t.Errorf("leaf %d value mismatch", i)
		}
	}

	seq, err := cache.LastSequence()
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if seq != 12 {
		t.Errorf("persisted last sequence: got %d, want 12", seq)
	}
}

func TestReplay_EmptyCache(t *testing.T) {
	cache, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cache.Close()

	last, err := cache.Replay(func(path *big.Int, value []byte) error {
		t.Fatal("apply called on empty cache")
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if last != 0 {
		t.Errorf("last sequence: got %d, want 0", last)
	}
}

func TestStore_EmptyChunkIsNoOp(t *testing.T) {
	cache, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cache.Close()

	if err := cache.Store(nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	seq, err := cache.LastSequence()
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if seq != 0 {
		t.Errorf("last sequence: got %d, want 0", seq)
	}
}
