// Package store is the shared relational store behind the reconciliation
// loop. All coordination between workers (readiness, leasing, transition
// application) is expressed as atomic single-row or simple bulk updates;
// no multi-entity transaction is ever required.
package store

import (
	"context"
	"errors"
	"time"

	logx "ratchet/pkg/logx"
)

var ErrNotFound = errors.New("entity not found")

// RetryRule names one automatic state and its retry interval, for the bulk
// readiness pass.
type RetryRule struct {
	State    string
	Interval time.Duration
}

// Store is the persistence API consumed by the lease manager, the
// readiness pass and the worker loop.
//
// Methods taking an explicit `now` never read the wall clock themselves,
// which keeps expiry boundaries testable.
type Store interface {
	// Create inserts a new entity. Ready defaults to true and Changed to
	// now, per the entity lifecycle.
	Create(ctx context.Context, e *Entity) error

	// Get fetches a fresh copy of the entity, or ErrNotFound.
	Get(ctx context.Context, id string) (*Entity, error)

	// SetReady is the external ready trigger: it forces Ready=true
	// regardless of retry intervals.
	SetReady(ctx context.Context, id string) error

	// FetchReadyBatch returns up to limit entities of the given type that
	// are ready, unleased at `now`, and in one of the given states.
	// Entities never attempted in their current state sort first, then
	// oldest attempt first (rough FIFO).
	FetchReadyBatch(ctx context.Context, typ string, states []string, limit int, now time.Time) ([]*Entity, error)

	// TryAcquireLease atomically claims the entity until `until`,
	// succeeding only if no live lease exists at `now`.
	TryAcquireLease(ctx context.Context, id string, now, until time.Time) (bool, error)

	// ReleaseLease drops any lease on the entity.
	ReleaseLease(ctx context.Context, id string) error

	// ExtendLease refreshes a lease that is still live at `now`. It
	// reports false if the lease had already lapsed.
	ExtendLease(ctx context.Context, id string, now, until time.Time) (bool, error)

	// MarkAttempted records a dispatch: Ready=false, Attempted=now.
	MarkAttempted(ctx context.Context, id string, now time.Time) error

	// ApplyTransition moves the entity to a new state: Changed=now,
	// Attempted cleared, lease dropped. Normally the entity is left ready
	// so the new state is evaluated immediately; with delayed=true it is
	// instead parked until the readiness pass picks it up (Attempted=now,
	// Ready=false).
	ApplyTransition(ctx context.Context, id, state string, now time.Time, delayed bool) error

	// BulkMarkReady flips Ready on every non-ready entity of the type
	// whose state's interval has elapsed since its last attempt (or that
	// was never attempted). Returns how many rows were flipped.
	BulkMarkReady(ctx context.Context, typ string, rules []RetryRule, now time.Time) (int64, error)

	// ClearExpiredLeases nulls lease columns that lapsed before `now`, in
	// a bounded batch.
	ClearExpiredLeases(ctx context.Context, now time.Time, limit int) (int64, error)

	// DeleteDue prunes entities that entered the given state before
	// cutoff, in a bounded batch.
	DeleteDue(ctx context.Context, typ, state string, cutoff time.Time, limit int) (int64, error)

	// ReadyCount reports how many entities of the type are dispatchable
	// right now.
	ReadyCount(ctx context.Context, typ string, states []string, now time.Time) (int64, error)

	// GetStats loads the summary-statistics document for a type, creating
	// an empty one if none is stored yet.
	GetStats(ctx context.Context, typ string) (*Stats, error)

	// PutStats persists a summary-statistics document.
	PutStats(ctx context.Context, st *Stats) error

	Close() error
}

// Config configures the store.
type Config struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string

	// BusyTimeout for concurrent writers; 0 means the driver default.
	BusyTimeout time.Duration
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
