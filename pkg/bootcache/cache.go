// Copyright 2025 Certen Protocol
//
// Package bootcache keeps a local, embedded copy of the SMT leaves this
// replica has already applied, keyed by their leaf-store sequence number.
// A restarting replica replays the cache first and only streams the tail
// it has never seen from the shared database, instead of re-reading every
// leaf over the network on every boot. The cache is purely derived state:
// deleting the directory is always safe.
package bootcache

import (
	"encoding/binary"
	"fmt"
	"log"
	"math/big"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/aggregatornet/aggregator/pkg/leafstore"
)

var (
	leafKeyPrefix = []byte("leaf/")
	lastSeqKey    = []byte("meta/last_seq")
)

// Cache is an embedded leveldb-backed leaf cache.
type Cache struct {
	db     dbm.DB
	logger *log.Logger
}

// Open creates or reopens the cache under dir.
func Open(dir string) (*Cache, error) {
	db, err := dbm.NewDB("bootcache", dbm.GoLevelDBBackend, dir)
	if err != nil {
		return nil, fmt.Errorf("bootcache: open %s: %w", dir, err)
	}
	return &Cache{
		db:     db,
		logger: log.New(log.Writer(), "[BootCache] ", log.LstdFlags),
	}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// LastSequence returns the highest leaf-store sequence number cached so
// far, or 0 if the cache is empty.
func (c *Cache) LastSequence() (int64, error) {
	v, err := c.db.Get(lastSeqKey)
	if err != nil {
		return 0, fmt.Errorf("bootcache: last sequence: %w", err)
	}
	if v == nil {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

// Store appends a chunk of sequenced leaves. Chunks must arrive in
// sequence order, the order the leaf store streams them in.
func (c *Cache) Store(chunk []leafstore.SequencedLeaf) error {
	if len(chunk) == 0 {
		return nil
	}
	batch := c.db.NewBatch()
	defer batch.Close()

	for _, sl := range chunk {
		if err := batch.Set(leafKey(sl.Sequence), encodeLeaf(sl)); err != nil {
			return fmt.Errorf("bootcache: store: %w", err)
		}
	}
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], uint64(chunk[len(chunk)-1].Sequence))
	if err := batch.Set(lastSeqKey, seqBytes[:]); err != nil {
		return fmt.Errorf("bootcache: store: %w", err)
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("bootcache: store: %w", err)
	}
	return nil
}

// Replay streams every cached leaf in sequence order and returns the
// highest sequence number replayed. A decode failure aborts the replay;
// the caller should discard the cache and reload from the shared
// database.
func (c *Cache) Replay(apply func(path *big.Int, value []byte) error) (int64, error) {
	it, err := c.db.Iterator(leafKeyPrefix, prefixEnd(leafKeyPrefix))
	if err != nil {
		return 0, fmt.Errorf("bootcache: replay: %w", err)
	}
	defer it.Close()

	var last int64
	var count int
	for ; it.Valid(); it.Next() {
		seq, path, value, err := decodeLeaf(it.Key(), it.Value())
		if err != nil {
			return 0, err
		}
		if err := apply(path, value); err != nil {
			return 0, err
		}
		last = seq
		count++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("bootcache: replay: %w", err)
	}
	if count > 0 {
		c.logger.Printf("replayed %d cached leaves up to sequence %d", count, last)
	}
	return last, nil
}

func leafKey(seq int64) []byte {
	key := make([]byte, len(leafKeyPrefix)+8)
	copy(key, leafKeyPrefix)
	binary.BigEndian.PutUint64(key[len(leafKeyPrefix):], uint64(seq))
	return key
}

// encodeLeaf lays out a fixed 32-byte big-endian path followed by the
// opaque leaf value.
func encodeLeaf(sl leafstore.SequencedLeaf) []byte {
	out := make([]byte, 32+len(sl.Leaf.Value))
	sl.Leaf.Path.FillBytes(out[:32])
	copy(out[32:], sl.Leaf.Value)
	return out
}

func decodeLeaf(key, value []byte) (int64, *big.Int, []byte, error) {
	if len(key) != len(leafKeyPrefix)+8 || len(value) < 32 {
		return 0, nil, nil, fmt.Errorf("bootcache: malformed entry (key %d bytes, value %d bytes)", len(key), len(value))
	}
	seq := int64(binary.BigEndian.Uint64(key[len(leafKeyPrefix):]))
	path := new(big.Int).SetBytes(value[:32])
	leafValue := append([]byte(nil), value[32:]...)
	return seq, path, leafValue, nil
}

// prefixEnd returns the smallest key greater than every key with the
// given prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
