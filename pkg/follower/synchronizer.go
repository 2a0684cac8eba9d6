// Copyright 2025 Certen Protocol
//
// Package follower keeps a non-leader replica's in-memory SMT
// byte-identical to the leader's: a change-feed consumer applies each
// sealed block's leaves as they arrive, and a boot-time reload rebuilds
// the whole tree from the leaf store before the feed starts.
package follower

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/aggregatornet/aggregator/pkg/bootcache"
	"github.com/aggregatornet/aggregator/pkg/database"
	"github.com/aggregatornet/aggregator/pkg/leafstore"
	"github.com/aggregatornet/aggregator/pkg/smt"
	"github.com/aggregatornet/aggregator/pkg/types"
)

// ErrLeavesMissing means a sealed block references leaves the leaf store
// still does not return after all retries. The process must exit so a
// restart rebuilds the SMT from scratch; continuing would let this
// replica's root hash drift from the leader's.
var ErrLeavesMissing = errors.New("follower: sealed block references leaves absent from the leaf store")

// fetchRetryBackoffs paces the re-reads of leaves that momentarily trail
// the block-records write on replicated storage.
var fetchRetryBackoffs = []time.Duration{
	time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
}

// BlockRecordsSource yields the request IDs admitted in a sealed block.
type BlockRecordsSource interface {
	GetBlockRecords(ctx context.Context, number uint64) (*types.BlockRecords, error)
}

// LeafSource is the slice of the leaf store the synchronizer reads.
type LeafSource interface {
	GetByPaths(ctx context.Context, paths []*big.Int) ([]types.SMTLeaf, error)
	GetAllInChunksSince(ctx context.Context, afterSeq int64, chunkSize int, consume func([]leafstore.SequencedLeaf) error) error
}

// Synchronizer applies sealed blocks' leaves to the local SMT.
type Synchronizer struct {
	tree    *smt.Tree
	leaves  LeafSource
	records BlockRecordsSource
	logger  *log.Logger
}

// New constructs a Synchronizer.
func New(tree *smt.Tree, leaves LeafSource, records BlockRecordsSource) *Synchronizer {
	return &Synchronizer{
		tree:    tree,
		leaves:  leaves,
		records: records,
		logger:  log.New(log.Writer(), "[FollowerSync] ", log.LstdFlags),
	}
}

// ApplyBlock fetches block number's admitted leaves and applies them to
// the tree. Identical duplicates (a leaf this replica applied while it
// was still leader) are tolerated. Returns ErrLeavesMissing when the
// leaf store cannot produce every referenced leaf after all retries.
func (s *Synchronizer) ApplyBlock(ctx context.Context, number uint64) error {
	records, err := s.records.GetBlockRecords(ctx, number)
	if err != nil {
		return fmt.Errorf("follower: block %d records: %w", number, err)
	}
	if len(records.RequestIDs) == 0 {
		return nil
	}

	paths := make([]*big.Int, len(records.RequestIDs))
	for i, id := range records.RequestIDs {
		paths[i] = id.BigInt()
	}

	leaves, err := s.fetchWithRetry(ctx, number, paths)
	if err != nil {
		return err
	}

	treeLeaves := make([]smt.Leaf, len(leaves))
	for i, l := range leaves {
		treeLeaves[i] = smt.Leaf{Path: l.Path, Value: l.Value}
	}
	if err := s.tree.AddLeaves(treeLeaves); err != nil {
		return fmt.Errorf("follower: apply block %d: %w", number, err)
	}
	s.logger.Printf("applied block %d (%d leaves), root %x", number, len(leaves), s.tree.RootHash())
	return nil
}

// fetchWithRetry reads the leaves at paths, retrying with exponential
// backoff. The leader's leaf write and block seal are separate durable
// operations, so a freshly sealed block's leaves may trail on a lagging
// read replica.
func (s *Synchronizer) fetchWithRetry(ctx context.Context, number uint64, paths []*big.Int) ([]types.SMTLeaf, error) {
	var leaves []types.SMTLeaf
	for attempt := 0; ; attempt++ {
		var err error
		leaves, err = s.leaves.GetByPaths(ctx, paths)
		if err == nil && len(leaves) == len(paths) {
			return leaves, nil
		}
		if err != nil {
			s.logger.Printf("block %d leaf fetch attempt %d failed: %v", number, attempt+1, err)
		} else {
			s.logger.Printf("block %d leaf fetch attempt %d returned %d of %d leaves",
				number, attempt+1, len(leaves), len(paths))
		}
		if attempt >= len(fetchRetryBackoffs) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(fetchRetryBackoffs[attempt]):
		}
	}
	return nil, fmt.Errorf("%w: block %d", ErrLeavesMissing, number)
}

// Reload rebuilds tree from the leaf store in insertion order, streaming
// chunkSize leaves at a time. When cache is non-nil, leaves this replica
// cached on a previous boot are replayed locally first and only the tail
// beyond them is read from the database; freshly streamed chunks are
// written back to the cache. Reload must complete before the change-feed
// consumer starts.
func Reload(ctx context.Context, tree *smt.Tree, store LeafSource, cache *bootcache.Cache, chunkSize int) error {
	logger := log.New(log.Writer(), "[FollowerSync] ", log.LstdFlags)
	start := time.Now()

	var resumeSeq int64
	if cache != nil {
		seq, err := cache.Replay(func(path *big.Int, value []byte) error {
			return tree.AddLeaf(path, value)
		})
		if err != nil {
			// A corrupt cache is derived state; fall back to a full
			// database reload rather than failing the boot.
			logger.Printf("warning: boot cache replay failed, reloading everything from the leaf store: %v", err)
			seq = 0
		}
		resumeSeq = seq
	}

	var total int
	err := store.GetAllInChunksSince(ctx, resumeSeq, chunkSize, func(chunk []leafstore.SequencedLeaf) error {
		treeLeaves := make([]smt.Leaf, len(chunk))
		for i, sl := range chunk {
			treeLeaves[i] = smt.Leaf{Path: sl.Leaf.Path, Value: sl.Leaf.Value}
		}
		if err := tree.AddLeaves(treeLeaves); err != nil {
			return err
		}
		total += len(chunk)
		if cache != nil {
			if err := cache.Store(chunk); err != nil {
				logger.Printf("warning: boot cache write failed: %v", err)
			}
		}
		return nil
	})
	if err != nil && err != database.ErrNotFound {
		return fmt.Errorf("follower: reload: %w", err)
	}

	logger.Printf("reloaded SMT in %v (%d leaves from store, resumed after sequence %d), root %x",
		time.Since(start).Round(time.Millisecond), total, resumeSeq, tree.RootHash())
	return nil
}
