// Copyright 2025 Certen Protocol
//
// Package changefeed is a durable, resumable tail of sealed blocks for
// follower synchronizers. It rides lib/pq's LISTEN/NOTIFY for
// low-latency wakeups and keeps a per-stream cursor in the database, so
// a reconnecting consumer resumes from its last durably-applied block
// instead of replaying from the start or missing a gap.
package changefeed

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/aggregatornet/aggregator/pkg/blockstore"
	"github.com/aggregatornet/aggregator/pkg/database"
)

// Feed tails sealed blocks for a single named consumer stream.
type Feed struct {
	client   *database.Client
	dsn      string
	streamID string
	blocks   *blockstore.Store
	logger   *log.Logger
}

// New constructs a Feed. dsn must match the DSN used by client: each Run
// opens its own dedicated connection, since LISTEN/NOTIFY requires
// holding a connection open rather than borrowing from the pool.
func New(client *database.Client, blocks *blockstore.Store, dsn, streamID string) *Feed {
	return &Feed{
		client:   client,
		dsn:      dsn,
		streamID: streamID,
		blocks:   blocks,
		logger:   log.New(log.Writer(), fmt.Sprintf("[ChangeFeed:%s] ", streamID), log.LstdFlags),
	}
}

// Cursor is the opaque resume position: the last block number durably
// applied by this stream.
type Cursor struct {
	LastBlockNumber uint64
}

func (c Cursor) token() string { return fmt.Sprintf("%d", c.LastBlockNumber) }

func parseCursor(token string) (Cursor, error) {
	var n uint64
	if _, err := fmt.Sscanf(token, "%d", &n); err != nil {
		return Cursor{}, fmt.Errorf("changefeed: malformed cursor %q: %w", token, err)
	}
	return Cursor{LastBlockNumber: n}, nil
}

// loadCursor reads the persisted cursor for this stream, or a zero
// Cursor if none has been saved yet (Run then starts from the chain
// height at subscription).
func (f *Feed) loadCursor(ctx context.Context) (Cursor, error) {
	var token string
	err := f.client.QueryRowContext(ctx,
		`SELECT opaque_token FROM resume_cursors WHERE stream_id = $1`, f.streamID,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("changefeed: load cursor: %w", err)
	}
	cursor, err := parseCursor(token)
	if err != nil {
		// Equivalent of a provider reporting the cursor unusable: clear
		// it and restart from the subscription point. The follower's
		// boot reload reconciles whatever the feed skips.
		f.logger.Printf("warning: discarding unusable cursor %q: %v", token, err)
		if resetErr := f.ResetCursor(ctx); resetErr != nil {
			return Cursor{}, resetErr
		}
		return Cursor{}, nil
	}
	return cursor, nil
}

// saveCursor persists cursor for this stream.
func (f *Feed) saveCursor(ctx context.Context, cursor Cursor) error {
	_, err := f.client.ExecContext(ctx, `
		INSERT INTO resume_cursors (stream_id, opaque_token, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (stream_id) DO UPDATE SET opaque_token = $2, updated_at = now()`,
		f.streamID, cursor.token())
	if err != nil {
		return fmt.Errorf("changefeed: save cursor: %w", err)
	}
	return nil
}

// ResetCursor clears the persisted cursor, forcing the next Run to
// restart from the subscription point. Used when the stored cursor turns
// out to be unusable.
func (f *Feed) ResetCursor(ctx context.Context) error {
	_, err := f.client.ExecContext(ctx, `DELETE FROM resume_cursors WHERE stream_id = $1`, f.streamID)
	if err != nil {
		return fmt.Errorf("changefeed: reset cursor: %w", err)
	}
	return nil
}

// Run subscribes to ChangeFeedChannel and invokes apply once per sealed
// block, in block-number order, starting after the persisted cursor or,
// if none is saved, after the chain height at subscription. Blocks until
// ctx is canceled. apply's error
// aborts Run without advancing the cursor past the failed block, so a
// restart retries it.
func (f *Feed) Run(ctx context.Context, apply func(blockNumber uint64) error) error {
	listener := pq.NewListener(f.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			f.logger.Printf("listener event error: %v", err)
		}
	})
	if err := listener.Listen(blockstore.ChangeFeedChannel); err != nil {
		listener.Close()
		return fmt.Errorf("changefeed: listen: %w", err)
	}
	defer listener.Close()

	cursor, err := f.loadCursor(ctx)
	if err != nil {
		return err
	}

	// A stream with no saved cursor starts at the height captured on
	// subscription: the boot-time SMT reload already covers prehistory,
	// so replaying it through the feed would only duplicate work.
	if cursor.LastBlockNumber == 0 {
		height, err := f.blocks.GetBlockHeight(ctx)
		if err != nil && err != database.ErrNotFound {
			return fmt.Errorf("changefeed: start height: %w", err)
		}
		if err == nil {
			cursor.LastBlockNumber = height
			if err := f.saveCursor(ctx, cursor); err != nil {
				return err
			}
		}
	}

	if err := f.catchUp(ctx, &cursor, apply); err != nil {
		return err
	}

	// The poll ticker backstops NOTIFYs dropped while the listener was
	// reconnecting; the ping ticker keeps its connection from idling out.
	pollTicker := time.NewTicker(5 * time.Second)
	defer pollTicker.Stop()
	pingTicker := time.NewTicker(90 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-listener.Notify:
			if err := f.catchUp(ctx, &cursor, apply); err != nil {
				return err
			}
		case <-pollTicker.C:
			if err := f.catchUp(ctx, &cursor, apply); err != nil {
				return err
			}
		case <-pingTicker.C:
			go listener.Ping()
		}
	}
}

// catchUp applies every sealed block after cursor, in order, advancing
// and persisting cursor after each successful apply. Blocks are numbered
// from 1, so a zero cursor means nothing has been applied yet.
func (f *Feed) catchUp(ctx context.Context, cursor *Cursor, apply func(blockNumber uint64) error) error {
	height, err := f.blocks.GetBlockHeight(ctx)
	if err != nil {
		if err == database.ErrNotFound {
			return nil
		}
		return fmt.Errorf("changefeed: catch up: %w", err)
	}

	for n := cursor.LastBlockNumber + 1; n <= height; n++ {
		if ctx.Err() != nil {
			return nil
		}
		if err := apply(n); err != nil {
			return fmt.Errorf("changefeed: apply block %d: %w", n, err)
		}
		cursor.LastBlockNumber = n
		if err := f.saveCursor(ctx, *cursor); err != nil {
			return err
		}
	}
	return nil
}
