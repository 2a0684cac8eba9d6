// Copyright 2025 Certen Protocol
//
// Package election decides which replica produces blocks: a
// single-writer fencing lock with a TTL heartbeat kept in a shared
// Postgres row. The database arbitrates; there is no quorum protocol
// among replicas.
package election

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aggregatornet/aggregator/pkg/database"
)

// LockID is the single row every node contends for.
const LockID = 1

// State is a node's belief about its role in the election.
type State string

const (
	StateStarting State = "STARTING"
	StateFollower State = "FOLLOWER"
	StateLeader   State = "LEADER"
	StateStopped  State = "STOPPED"
)

// Elector runs the fencing-lock protocol for a single node.
type Elector struct {
	client    *database.Client
	nodeID    string
	ttl       time.Duration
	heartbeat time.Duration
	poll      time.Duration

	mu    sync.RWMutex
	state State

	onBecomeLeader func()
	onLoseLeader   func()

	logger *log.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures an Elector.
type Config struct {
	NodeID         string
	LeaseTTL       time.Duration
	HeartbeatEvery time.Duration
	PollEvery      time.Duration
}

// New constructs an Elector in state STARTING.
func New(client *database.Client, cfg Config) *Elector {
	return &Elector{
		client:    client,
		nodeID:    cfg.NodeID,
		ttl:       cfg.LeaseTTL,
		heartbeat: cfg.HeartbeatEvery,
		poll:      cfg.PollEvery,
		state:     StateStarting,
		logger:    log.New(log.Writer(), "[Election] ", log.LstdFlags),
	}
}

// OnBecomeLeader registers a callback fired the moment this node
// transitions FOLLOWER/STARTING -> LEADER.
func (e *Elector) OnBecomeLeader(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onBecomeLeader = fn
}

// OnLoseLeader registers a callback fired the moment this node
// transitions LEADER -> FOLLOWER (lease lost or heartbeat failed), and
// also when a leader stops and releases its lease.
func (e *Elector) OnLoseLeader(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLoseLeader = fn
}

// State returns the elector's current belief about its role.
func (e *Elector) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Run starts the acquire/heartbeat/poll loop and blocks until ctx is
// canceled or Shutdown is called.
func (e *Elector) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	defer close(e.done)

	// Followers poll for an expired lease every poll interval; the leader
	// refreshes its lease every heartbeat interval. The ticker is re-armed
	// whenever a tick changes the node's role.
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	last := e.State()
	e.tick(runCtx)
	for {
		if s := e.State(); s != last {
			last = s
			if s == StateLeader {
				ticker.Reset(e.heartbeat)
			} else {
				ticker.Reset(e.poll)
			}
		}
		select {
		case <-runCtx.Done():
			e.shutdownLocked(context.Background())
			return nil
		case <-ticker.C:
			e.tick(runCtx)
		}
	}
}

// Shutdown releases the lease if held and stops the election loop.
func (e *Elector) Shutdown(ctx context.Context) {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (e *Elector) shutdownLocked(ctx context.Context) {
	e.mu.Lock()
	wasLeader := e.state == StateLeader
	e.state = StateStopped
	onLose := e.onLoseLeader
	e.mu.Unlock()

	if wasLeader {
		_, err := e.client.ExecContext(ctx,
			`DELETE FROM leadership_leases WHERE lock_id = $1 AND holder_id = $2`, LockID, e.nodeID)
		if err != nil {
			e.logger.Printf("failed to release lease on shutdown: %v", err)
		}
		if onLose != nil {
			onLose()
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	e.mu.RLock()
	isLeader := e.state == StateLeader
	e.mu.RUnlock()

	if isLeader {
		e.heartbeatOrStepDown(ctx)
		return
	}
	e.tryAcquire(ctx)
}

// tryAcquire attempts to take over the lease: either no row exists, or
// the existing row's lease has expired.
func (e *Elector) tryAcquire(ctx context.Context) {
	now := time.Now()
	expiresAt := now.Add(e.ttl)

	res, err := e.client.ExecContext(ctx, `
		INSERT INTO leadership_leases (lock_id, holder_id, acquired_at, heartbeat_at, expires_at)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (lock_id) DO UPDATE
		SET holder_id = $2, acquired_at = $3, heartbeat_at = $3, expires_at = $4
		WHERE leadership_leases.expires_at < $3`,
		LockID, e.nodeID, now, expiresAt)
	if err != nil {
		e.logger.Printf("acquire attempt failed: %v", err)
		e.setState(StateFollower)
		return
	}

	n, err := res.RowsAffected()
	if err != nil {
		e.logger.Printf("acquire attempt: rows affected: %v", err)
		e.setState(StateFollower)
		return
	}

	if n == 0 {
		e.setState(StateFollower)
		return
	}

	e.logger.Printf("acquired leadership lease as %s", e.nodeID)
	e.becomeLeader()
}

// heartbeatOrStepDown renews the lease while this node still holds it.
// If the row no longer shows this node as holder (another node took over
// after our lease expired) this node steps down to FOLLOWER.
func (e *Elector) heartbeatOrStepDown(ctx context.Context) {
	now := time.Now()
	expiresAt := now.Add(e.ttl)

	// The expires_at guard makes this a fencing update: once the lease has
	// lapsed, another node may already hold it, and refreshing an expired
	// row would silently steal leadership back.
	res, err := e.client.ExecContext(ctx, `
		UPDATE leadership_leases
		SET heartbeat_at = $1, expires_at = $2
		WHERE lock_id = $3 AND holder_id = $4 AND expires_at > $1`,
		now, expiresAt, LockID, e.nodeID)
	if err != nil {
		e.logger.Printf("heartbeat failed: %v", err)
		e.stepDown()
		return
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		e.logger.Printf("heartbeat found lease held by another node, stepping down")
		e.stepDown()
	}
}

func (e *Elector) becomeLeader() {
	e.mu.Lock()
	e.state = StateLeader
	onBecome := e.onBecomeLeader
	e.mu.Unlock()
	if onBecome != nil {
		onBecome()
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	e.state = StateFollower
	onLose := e.onLoseLeader
	e.mu.Unlock()
	if onLose != nil {
		onLose()
	}
}

func (e *Elector) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// CurrentHolder reports who currently holds the lease, for diagnostics.
func (e *Elector) CurrentHolder(ctx context.Context) (string, error) {
	var holder string
	err := e.client.QueryRowContext(ctx,
		`SELECT holder_id FROM leadership_leases WHERE lock_id = $1 AND expires_at > now()`, LockID,
	).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", database.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("election: current holder: %w", err)
	}
	return holder, nil
}
