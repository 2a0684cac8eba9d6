// Copyright 2025 Certen Protocol
//
// Package recordstore implements the aggregator record store: the
// permanent, append-only ledger of every accepted commitment, keyed by
// request fingerprint.
package recordstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aggregatornet/aggregator/pkg/database"
	"github.com/aggregatornet/aggregator/pkg/types"
)

// Store is the Postgres-backed Record Store.
type Store struct {
	client *database.Client
}

// New constructs a Store over client.
func New(client *database.Client) *Store {
	return &Store{client: client}
}

// Put inserts record if its request ID is not already present. An
// identical re-insert (same request ID, same content) is a no-op; a
// request ID that already maps to different content is reported via
// database.ErrConflict. Records never mutate once written.
func (s *Store) Put(ctx context.Context, record types.AggregatorRecord) error {
	existing, err := s.Get(ctx, record.RequestID)
	if err == nil {
		if recordsEqual(existing, &record) {
			return nil
		}
		return fmt.Errorf("recordstore: %w: request id %s", database.ErrConflict, record.RequestID)
	}
	if err != database.ErrNotFound {
		return err
	}

	query := `
		INSERT INTO records (
			request_id, transaction_hash_algo, transaction_hash,
			auth_algorithm, auth_public_key, auth_signature, auth_state_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO NOTHING`

	_, err = s.client.ExecContext(ctx, query,
		record.RequestID.Digest, record.TransactionHash.Algorithm.Code(), record.TransactionHash.Digest,
		record.Authenticator.Algorithm.Code(), record.Authenticator.PublicKey,
		record.Authenticator.Signature, record.Authenticator.StateHash.Digest,
	)
	if err != nil {
		return fmt.Errorf("recordstore: put: %w", err)
	}
	return nil
}

// PutBatch inserts a batch of records, skipping any identical duplicates
// and aborting with database.ErrConflict on the first genuine conflict.
// A recovery re-drain replays through here as a sequence of no-ops.
func (s *Store) PutBatch(ctx context.Context, records []types.AggregatorRecord) error {
	for _, r := range records {
		if err := s.Put(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves the record for requestID, or database.ErrNotFound.
func (s *Store) Get(ctx context.Context, requestID types.RequestID) (*types.AggregatorRecord, error) {
	query := `
		SELECT request_id, transaction_hash_algo, transaction_hash,
			auth_algorithm, auth_public_key, auth_signature, auth_state_hash, sequence_id
		FROM records
		WHERE request_id = $1`

	var rec types.AggregatorRecord
	var txAlgo, authAlgo int16
	err := s.client.QueryRowContext(ctx, query, requestID.Digest).Scan(
		&rec.RequestID.Digest, &txAlgo, &rec.TransactionHash.Digest,
		&authAlgo, &rec.Authenticator.PublicKey, &rec.Authenticator.Signature, &rec.Authenticator.StateHash.Digest,
		&rec.SequenceID,
	)
	if err == sql.ErrNoRows {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recordstore: get: %w", err)
	}
	rec.RequestID.Algorithm = types.HashAlgorithmSHA256
	rec.TransactionHash.Algorithm = types.AlgorithmFromCode(txAlgo)
	rec.Authenticator.Algorithm = types.AlgorithmFromCode(authAlgo)
	rec.Authenticator.StateHash.Algorithm = types.HashAlgorithmSHA256
	return &rec, nil
}

// GetByRequestIDs retrieves every record whose request ID is in ids,
// preserving no particular order; callers needing sequence order should
// sort on the returned SequenceID.
func (s *Store) GetByRequestIDs(ctx context.Context, ids []types.RequestID) ([]*types.AggregatorRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	digests := make([][]byte, len(ids))
	for i, id := range ids {
		digests[i] = id.Digest
	}

	query := `
		SELECT request_id, transaction_hash_algo, transaction_hash,
			auth_algorithm, auth_public_key, auth_signature, auth_state_hash, sequence_id
		FROM records
		WHERE request_id = ANY($1::bytea[])`

	rows, err := s.client.QueryContext(ctx, query, database.ByteaArray(digests))
	if err != nil {
		return nil, fmt.Errorf("recordstore: get by request ids: %w", err)
	}
	defer rows.Close()

	var out []*types.AggregatorRecord
	for rows.Next() {
		var rec types.AggregatorRecord
		var txAlgo, authAlgo int16
		if err := rows.Scan(
			&rec.RequestID.Digest, &txAlgo, &rec.TransactionHash.Digest,
			&authAlgo, &rec.Authenticator.PublicKey, &rec.Authenticator.Signature, &rec.Authenticator.StateHash.Digest,
			&rec.SequenceID,
		); err != nil {
			return nil, fmt.Errorf("recordstore: scan: %w", err)
		}
		rec.RequestID.Algorithm = types.HashAlgorithmSHA256
		rec.TransactionHash.Algorithm = types.AlgorithmFromCode(txAlgo)
		rec.Authenticator.Algorithm = types.AlgorithmFromCode(authAlgo)
		rec.Authenticator.StateHash.Algorithm = types.HashAlgorithmSHA256
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func recordsEqual(a, b *types.AggregatorRecord) bool {
	return a.RequestID.Equal(b.RequestID) &&
		a.TransactionHash.Equal(b.TransactionHash) &&
		string(a.Authenticator.PublicKey) == string(b.Authenticator.PublicKey) &&
		string(a.Authenticator.Signature) == string(b.Authenticator.Signature) &&
		a.Authenticator.StateHash.Equal(b.Authenticator.StateHash)
}

