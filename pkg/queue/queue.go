// Copyright 2025 Certen Protocol
//
// Package queue implements the pending commitment queue: validated
// commitments durably waiting for the next block.
package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aggregatornet/aggregator/pkg/database"
	"github.com/aggregatornet/aggregator/pkg/types"
)

// Queue is the Postgres-backed Pending Queue.
type Queue struct {
	client *database.Client
}

// New constructs a Queue over client.
func New(client *database.Client) *Queue {
	return &Queue{client: client}
}

// Put durably enqueues commitment as PENDING. Re-enqueueing a request ID
// already present is a no-op: the validator is expected to have already
// rejected true duplicates via the Record Store before this is called.
func (q *Queue) Put(ctx context.Context, c types.Commitment) error {
	query := `
		INSERT INTO pending_queue (
			request_id, transaction_hash_algo, transaction_hash,
			auth_algorithm, auth_public_key, auth_signature, auth_state_hash, state
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
		ON CONFLICT (request_id) DO NOTHING`

	_, err := q.client.ExecContext(ctx, query,
		c.RequestID.Digest, c.TransactionHash.Algorithm.Code(), c.TransactionHash.Digest,
		c.Authenticator.Algorithm.Code(), c.Authenticator.PublicKey,
		c.Authenticator.Signature, c.Authenticator.StateHash.Digest,
	)
	if err != nil {
		return fmt.Errorf("queue: put: %w", err)
	}
	return nil
}

// RecoverProcessing resets every PROCESSING row back to PENDING. Called
// once at boot: a crash between marking rows PROCESSING and sealing the
// block they belonged to must not lose those commitments.
func (q *Queue) RecoverProcessing(ctx context.Context) (int64, error) {
	res, err := q.client.ExecContext(ctx, `UPDATE pending_queue SET state = 0 WHERE state = 1`)
	if err != nil {
		return 0, fmt.Errorf("queue: recover processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: recover processing: %w", err)
	}
	return n, nil
}

// DrainForBlock atomically marks every currently PENDING row as
// PROCESSING and returns the full PROCESSING set in ingest_time order,
// the admission set for the block about to be created. Rows a previous
// round left PROCESSING (its block never sealed) are included again:
// their records and leaves re-insert as no-ops, and the new block's
// records finally carry their fingerprints to followers.
func (q *Queue) DrainForBlock(ctx context.Context) ([]types.Commitment, error) {
	tx, err := q.client.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: drain: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Tx().QueryContext(ctx, `
		SELECT request_id, transaction_hash_algo, transaction_hash,
			auth_algorithm, auth_public_key, auth_signature, auth_state_hash
		FROM pending_queue
		WHERE state IN (0, 1)
		ORDER BY ingest_time ASC
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return nil, fmt.Errorf("queue: drain: select: %w", err)
	}

	var commitments []types.Commitment
	var ids [][]byte
	for rows.Next() {
		var c types.Commitment
		var txAlgo, authAlgo int16
		if err := rows.Scan(
			&c.RequestID.Digest, &txAlgo, &c.TransactionHash.Digest,
			&authAlgo, &c.Authenticator.PublicKey, &c.Authenticator.Signature, &c.Authenticator.StateHash.Digest,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: drain: scan: %w", err)
		}
		c.RequestID.Algorithm = types.HashAlgorithmSHA256
		c.TransactionHash.Algorithm = types.AlgorithmFromCode(txAlgo)
		c.Authenticator.Algorithm = types.AlgorithmFromCode(authAlgo)
		c.Authenticator.StateHash.Algorithm = types.HashAlgorithmSHA256
		commitments = append(commitments, c)
		ids = append(ids, c.RequestID.Digest)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("queue: drain: rows: %w", err)
	}
	rows.Close()

	if len(ids) > 0 {
		if _, err := tx.Tx().ExecContext(ctx,
			`UPDATE pending_queue SET state = 1 WHERE request_id = ANY($1::bytea[])`,
			database.ByteaArray(ids),
		); err != nil {
			return nil, fmt.Errorf("queue: drain: mark processing: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: drain: commit: %w", err)
	}
	return commitments, nil
}

// ConfirmBlockProcessed permanently removes every PROCESSING row once
// the block containing them has been durably sealed. Rows enqueued after
// the drain are still PENDING and untouched.
func (q *Queue) ConfirmBlockProcessed(ctx context.Context) error {
	_, err := q.client.ExecContext(ctx, `DELETE FROM pending_queue WHERE state = 1`)
	if err != nil {
		return fmt.Errorf("queue: confirm processed: %w", err)
	}
	return nil
}

// Peek returns whether requestID is currently enqueued in any state.
func (q *Queue) Peek(ctx context.Context, requestID types.RequestID) (bool, error) {
	var exists bool
	err := q.client.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pending_queue WHERE request_id = $1)`,
		requestID.Digest,
	).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("queue: peek: %w", err)
	}
	return exists, nil
}

