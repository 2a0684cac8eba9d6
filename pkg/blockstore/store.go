// Copyright 2025 Certen Protocol
//
// Package blockstore keeps the sealed, numbered history of the
// commitment tree: one block row per round plus the request IDs admitted
// into it. A successful Put also issues a Postgres NOTIFY, which
// pkg/changefeed subscribes to, so the durable write and the feed
// emission happen in the same transaction.
package blockstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aggregatornet/aggregator/pkg/database"
	"github.com/aggregatornet/aggregator/pkg/types"
)

// ChangeFeedChannel is the Postgres NOTIFY channel block-records writes
// are announced on.
const ChangeFeedChannel = "block_records_feed"

// Store is the Postgres-backed Block Store and Block-Records Store.
type Store struct {
	client *database.Client
}

// New constructs a Store over client.
func New(client *database.Client) *Store {
	return &Store{client: client}
}

// NextBlockNumber returns the number the next block should take: one
// past the highest sealed block, or 1 if the chain is empty.
func (s *Store) NextBlockNumber(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	err := s.client.QueryRowContext(ctx, `SELECT MAX(block_number) FROM blocks`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("blockstore: next block number: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return uint64(max.Int64) + 1, nil
}

// Put durably seals block together with its block-records row, in a
// single transaction, and issues a NOTIFY on ChangeFeedChannel carrying
// the block number so live change-feed consumers wake immediately
// instead of waiting for their next poll. The block number is checked
// against the chain head inside the transaction: two nodes that both
// believe they are leader cannot seal the same number twice, and a
// stale leader cannot leave a gap.
func (s *Store) Put(ctx context.Context, block types.Block, records types.BlockRecords) error {
	if block.Index != records.BlockNumber {
		return fmt.Errorf("blockstore: put: block %d carries records for block %d", block.Index, records.BlockNumber)
	}

	tx, err := s.client.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("blockstore: put: begin: %w", err)
	}
	defer tx.Rollback()

	var max sql.NullInt64
	if err := tx.Tx().QueryRowContext(ctx,
		`SELECT MAX(block_number) FROM blocks`).Scan(&max); err != nil {
		return fmt.Errorf("blockstore: put: head check: %w", err)
	}
	next := uint64(1)
	if max.Valid {
		next = uint64(max.Int64) + 1
	}
	if block.Index != next {
		return fmt.Errorf("blockstore: put: %w: block %d, chain head expects %d",
			database.ErrConflict, block.Index, next)
	}

	_, err = tx.Tx().ExecContext(ctx, `
		INSERT INTO blocks (
			block_number, chain_id, version, fork_id, block_timestamp,
			anchor_proof, previous_block_hash, root_hash, no_deletion_proof_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		block.Index, block.ChainID, block.Version, block.ForkID, block.Timestamp,
		block.AnchorProof, block.PreviousBlockHash, block.RootHash, block.NoDeletionProofHash,
	)
	if err != nil {
		return fmt.Errorf("blockstore: put: insert block: %w", err)
	}

	digests := make([][]byte, len(records.RequestIDs))
	for i, id := range records.RequestIDs {
		digests[i] = id.Digest
	}
	if _, err := tx.Tx().ExecContext(ctx, `
		INSERT INTO block_records (block_number, request_ids) VALUES ($1, $2::bytea[])`,
		records.BlockNumber, database.ByteaArray(digests),
	); err != nil {
		return fmt.Errorf("blockstore: put: insert block records: %w", err)
	}

	if _, err := tx.Tx().ExecContext(ctx, `SELECT pg_notify($1, $2)`,
		ChangeFeedChannel, fmt.Sprintf("%d", block.Index),
	); err != nil {
		return fmt.Errorf("blockstore: put: notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("blockstore: put: commit: %w", err)
	}
	return nil
}

// GetBlock retrieves the sealed block at number.
func (s *Store) GetBlock(ctx context.Context, number uint64) (*types.Block, error) {
	var b types.Block
	err := s.client.QueryRowContext(ctx, `
		SELECT block_number, chain_id, version, fork_id, block_timestamp,
			anchor_proof, previous_block_hash, root_hash, no_deletion_proof_hash
		FROM blocks WHERE block_number = $1`, number,
	).Scan(&b.Index, &b.ChainID, &b.Version, &b.ForkID, &b.Timestamp,
		&b.AnchorProof, &b.PreviousBlockHash, &b.RootHash, &b.NoDeletionProofHash)
	if err == sql.ErrNoRows {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: get block: %w", err)
	}
	return &b, nil
}

// GetBlockHeight returns the highest sealed block number, or
// database.ErrNotFound if no block has ever been sealed.
func (s *Store) GetBlockHeight(ctx context.Context) (uint64, error) {
	n, err := s.NextBlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		return 0, database.ErrNotFound
	}
	return n - 1, nil
}

// GetBlockRecords retrieves the request IDs admitted in block number.
func (s *Store) GetBlockRecords(ctx context.Context, number uint64) (*types.BlockRecords, error) {
	rows, err := s.client.QueryContext(ctx, `
		SELECT unnest(request_ids) FROM block_records WHERE block_number = $1`, number)
	if err != nil {
		return nil, fmt.Errorf("blockstore: get block records: %w", err)
	}
	defer rows.Close()

	var ids []types.RequestID
	for rows.Next() {
		var digest []byte
		if err := rows.Scan(&digest); err != nil {
			return nil, fmt.Errorf("blockstore: scan: %w", err)
		}
		ids = append(ids, types.RequestID{Algorithm: types.HashAlgorithmSHA256, Digest: digest})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blockstore: rows: %w", err)
	}
	if len(ids) == 0 {
		var exists bool
		if err := s.client.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM block_records WHERE block_number = $1)`, number,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("blockstore: exists check: %w", err)
		}
		if !exists {
			return nil, database.ErrNotFound
		}
	}
	return &types.BlockRecords{BlockNumber: number, RequestIDs: ids}, nil
}
