// Package lease provides per-entity mutual exclusion without a lock
// server. A lease is a single timestamp column flipped by conditional
// updates; a worker that dies mid-handler simply lets its lease lapse,
// which is the system's only recovery path for stuck entities — there are
// no heartbeats and no failure detector.
package lease

import (
	"context"
	"errors"
	"time"

	"ratchet/internal/store"
)

// DefaultTTL matches the longest handler run we want a crashed worker to
// block an entity for.
const DefaultTTL = 5 * time.Minute

var errNoStore = errors.New("lease: store is required")

// Manager acquires, extends and releases entity leases.
type Manager struct {
	st  store.Store
	ttl time.Duration
}

func NewManager(st store.Store, ttl time.Duration) (*Manager, error) {
	if st == nil {
		return nil, errNoStore
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{st: st, ttl: ttl}, nil
}

// TTL returns the configured lease duration.
func (m *Manager) TTL() time.Duration { return m.ttl }

// TryAcquire claims the entity until now+TTL. Exactly one of two racing
// callers succeeds; losing the race is a skip, not an error.
func (m *Manager) TryAcquire(ctx context.Context, id string, now time.Time) (time.Time, bool, error) {
	until := now.Add(m.ttl)
	ok, err := m.st.TryAcquireLease(ctx, id, now, until)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return until, true, nil
}

// Release drops the lease. Called on both success and failure paths once
// a handler has completed; releasing an already-clear lease is a no-op.
func (m *Manager) Release(ctx context.Context, id string) error {
	return m.st.ReleaseLease(ctx, id)
}

// Extend refreshes a still-held lease for another TTL, for handlers that
// legitimately outlive the default. It reports false once the lease has
// already lapsed, at which point the handler no longer owns the entity.
func (m *Manager) Extend(ctx context.Context, id string, now time.Time) (time.Time, bool, error) {
	until := now.Add(m.ttl)
	ok, err := m.st.ExtendLease(ctx, id, now, until)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return until, true, nil
}
