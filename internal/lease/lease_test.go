package lease

import (
	"context"
	"testing"
	"time"

	"ratchet/internal/store"
	logx "ratchet/pkg/logx"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st store.Store, id string) {
	t.Helper()
	if err := st.Create(context.Background(), &store.Entity{ID: id, Type: "follow", State: "new"}); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestNewManager(t *testing.T) {
	t.Parallel()
	if _, err := NewManager(nil, time.Minute); err == nil {
		t.Fatal("nil store must be rejected")
	}
	m, err := NewManager(newTestStore(t), 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.TTL() != DefaultTTL {
		t.Fatalf("TTL = %v, want default %v", m.TTL(), DefaultTTL)
	}
}

func TestAcquireReleaseCycle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	seed(t, st, "e1")
	m, err := NewManager(st, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	now := time.Now()

	until, ok, err := m.TryAcquire(ctx, "e1", now)
	if err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	if !until.Equal(now.Add(time.Minute)) {
		t.Fatalf("until = %v, want now+ttl", until)
	}

	// Second claimant loses without an error.
	_, ok, err = m.TryAcquire(ctx, "e1", now)
	if err != nil {
		t.Fatalf("second acquire err: %v", err)
	}
	if ok {
		t.Fatal("second acquire must lose")
	}

	if err := m.Release(ctx, "e1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, ok, err = m.TryAcquire(ctx, "e1", now)
	if err != nil || !ok {
		t.Fatalf("re-acquire after release = %v, %v", ok, err)
	}

	// Releasing twice is a no-op.
	if err := m.Release(ctx, "e1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release(ctx, "e1"); err != nil {
		t.Fatalf("double release: %v", err)
	}
}

func TestExtend(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	seed(t, st, "e1")
	m, err := NewManager(st, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	t0 := time.Now()

	if _, ok, _ := m.TryAcquire(ctx, "e1", t0); !ok {
		t.Fatal("acquire failed")
	}

	until, ok, err := m.Extend(ctx, "e1", t0.Add(30*time.Second))
	if err != nil || !ok {
		t.Fatalf("extend = %v, %v", ok, err)
	}
	if !until.Equal(t0.Add(30*time.Second + time.Minute)) {
		t.Fatalf("until = %v", until)
	}

	// Once lapsed, the holder no longer owns the entity and Extend says so.
	_, ok, err = m.Extend(ctx, "e1", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("extend err: %v", err)
	}
	if ok {
		t.Fatal("extend of a lapsed lease must report false")
	}
}

func TestLapsedLeaseIsReacquirable(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	seed(t, st, "e1")
	m, err := NewManager(st, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	t0 := time.Now()

	if _, ok, _ := m.TryAcquire(ctx, "e1", t0); !ok {
		t.Fatal("acquire failed")
	}
	// A crashed worker never releases; the lapse itself is the recovery.
	_, ok, err := m.TryAcquire(ctx, "e1", t0.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("acquire after lapse = %v, %v", ok, err)
	}
}
