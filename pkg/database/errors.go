// Copyright 2025 Certen Protocol
//
// Package database provides sentinel errors shared by every store built
// on top of Client. Explicit errors instead of nil, nil returns.

package database

import "errors"

// Sentinel errors for database operations. Each store (pkg/recordstore,
// pkg/queue, pkg/leafstore, pkg/blockstore, pkg/election) wraps these
// with its own context via fmt.Errorf("...: %w", ...).
var (
	// ErrNotFound is returned when a requested entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when an insert-if-absent write finds an
	// existing row whose value differs from the one being inserted, and
	// when a block is stored whose number does not follow the chain head.
	ErrConflict = errors.New("entity already exists with a different value")

	// ErrLeaseNotHeld is returned when a leadership operation is attempted
	// by a node that does not currently hold the fencing lock.
	ErrLeaseNotHeld = errors.New("leadership lease not held")
)
