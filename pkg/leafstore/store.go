// Copyright 2025 Certen Protocol
//
// Package leafstore persists every SMT leaf ever written, in insertion
// order, so a replica can rebuild the whole tree at boot without the
// leader's in-memory state.
package leafstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/aggregatornet/aggregator/pkg/database"
	"github.com/aggregatornet/aggregator/pkg/types"
)

// Store is the Postgres-backed Leaf Store.
type Store struct {
	client *database.Client
}

// New constructs a Store over client.
func New(client *database.Client) *Store {
	return &Store{client: client}
}

// Put inserts a single leaf if path is not already present. An identical
// re-insert is a no-op; any other conflict is database.ErrConflict,
// mirroring the in-memory tree's own AddLeaf semantics.
func (s *Store) Put(ctx context.Context, leaf types.SMTLeaf) error {
	return s.PutBatch(ctx, []types.SMTLeaf{leaf})
}

// PutBatch inserts a batch of leaves transactionally, in order. Each
// leaf is checked individually against an existing row so identical
// duplicates (recovery replay) are skipped rather than failing the
// batch.
func (s *Store) PutBatch(ctx context.Context, leaves []types.SMTLeaf) error {
	tx, err := s.client.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("leafstore: put batch: begin: %w", err)
	}
	defer tx.Rollback()

	for _, leaf := range leaves {
		var existing []byte
		err := tx.Tx().QueryRowContext(ctx, `SELECT value FROM leaves WHERE path = $1`, leaf.Path.String()).Scan(&existing)
		if err == nil {
			if string(existing) == string(leaf.Value) {
				continue
			}
			return fmt.Errorf("leafstore: %w: path %s", database.ErrConflict, leaf.Path.Text(16))
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("leafstore: put batch: lookup: %w", err)
		}
		if _, err := tx.Tx().ExecContext(ctx,
			`INSERT INTO leaves (path, value) VALUES ($1, $2)`,
			leaf.Path.String(), leaf.Value,
		); err != nil {
			return fmt.Errorf("leafstore: put batch: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("leafstore: put batch: commit: %w", err)
	}
	return nil
}

// GetByPaths retrieves the leaves at the given paths. A path with no
// stored leaf is simply omitted from the result; the follower treats an
// omitted path as not yet visible, retries, and fails with
// ErrLeavesMissing once its retries are used up.
func (s *Store) GetByPaths(ctx context.Context, paths []*big.Int) ([]types.SMTLeaf, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	texts := make([]string, len(paths))
	for i, p := range paths {
		texts[i] = p.String()
	}

	rows, err := s.client.QueryContext(ctx,
		`SELECT path, value FROM leaves WHERE path = ANY($1::numeric[])`,
		numericArray(texts),
	)
	if err != nil {
		return nil, fmt.Errorf("leafstore: get by paths: %w", err)
	}
	defer rows.Close()

	var out []types.SMTLeaf
	for rows.Next() {
		var pathText string
		var value []byte
		if err := rows.Scan(&pathText, &value); err != nil {
			return nil, fmt.Errorf("leafstore: scan: %w", err)
		}
		path, ok := new(big.Int).SetString(pathText, 10)
		if !ok {
			return nil, fmt.Errorf("leafstore: malformed path %q", pathText)
		}
		out = append(out, types.SMTLeaf{Path: path, Value: value})
	}
	return out, rows.Err()
}

// SequencedLeaf pairs a leaf with its insertion sequence number, for
// callers that resume replay from a known position.
type SequencedLeaf struct {
	Leaf     types.SMTLeaf
	Sequence int64
}

// GetAllInChunks streams every leaf in insertion-sequence order, calling
// consume with successive chunks of at most chunkSize leaves. Used at
// boot to rebuild the SMT without loading the entire leaf set into
// memory at once.
func (s *Store) GetAllInChunks(ctx context.Context, chunkSize int, consume func([]types.SMTLeaf) error) error {
	return s.GetAllInChunksSince(ctx, 0, chunkSize, func(chunk []SequencedLeaf) error {
		leaves := make([]types.SMTLeaf, len(chunk))
		for i, sl := range chunk {
			leaves[i] = sl.Leaf
		}
		return consume(leaves)
	})
}

// GetAllInChunksSince streams every leaf with sequence number greater
// than afterSeq, in sequence order, in chunks of at most chunkSize.
func (s *Store) GetAllInChunksSince(ctx context.Context, afterSeq int64, chunkSize int, consume func([]SequencedLeaf) error) error {
	lastSeq := afterSeq
	for {
		rows, err := s.client.QueryContext(ctx, `
			SELECT path, value, sequence_id FROM leaves
			WHERE sequence_id > $1
			ORDER BY sequence_id ASC
			LIMIT $2`, lastSeq, chunkSize)
		if err != nil {
			return fmt.Errorf("leafstore: get all in chunks: %w", err)
		}

		var chunk []SequencedLeaf
		for rows.Next() {
			var pathText string
			var value []byte
			var seq int64
			if err := rows.Scan(&pathText, &value, &seq); err != nil {
				rows.Close()
				return fmt.Errorf("leafstore: scan: %w", err)
			}
			path, ok := new(big.Int).SetString(pathText, 10)
			if !ok {
				rows.Close()
				return fmt.Errorf("leafstore: malformed path %q", pathText)
			}
			chunk = append(chunk, SequencedLeaf{Leaf: types.SMTLeaf{Path: path, Value: value}, Sequence: seq})
			lastSeq = seq
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("leafstore: rows: %w", err)
		}
		rows.Close()

		if len(chunk) == 0 {
			return nil
		}
		if err := consume(chunk); err != nil {
			return err
		}
		if len(chunk) < chunkSize {
			return nil
		}
	}
}

func numericArray(values []string) string {
	out := "{"
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out + "}"
}
