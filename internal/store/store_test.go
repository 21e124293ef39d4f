package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "ratchet/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreate(t *testing.T, st Store, id, typ, state string) *Entity {
	t.Helper()
	e := &Entity{ID: id, Type: typ, State: state}
	if err := st.Create(context.Background(), e); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return e
}

func mustGet(t *testing.T, st Store, id string) *Entity {
	t.Helper()
	e, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return e
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	e := &Entity{ID: "e1", Type: "follow", State: "new", Payload: []byte(`{"target":42}`)}
	if err := st.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	got := mustGet(t, st, "e1")
	if got.Type != "follow" || got.State != "new" {
		t.Fatalf("got %+v", got)
	}
	if !got.Ready {
		t.Fatal("new entities must be ready")
	}
	if got.Changed.IsZero() {
		t.Fatal("changed_at must be set")
	}
	if got.Attempted != nil || got.LeaseExpires != nil {
		t.Fatalf("fresh entity has attempt/lease: %+v", got)
	}
	if string(got.Payload) != `{"target":42}` {
		t.Fatalf("payload = %q", got.Payload)
	}

	if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTryAcquireLeaseExclusive(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, st, "e1", "follow", "new")

	now := time.Now()
	until := now.Add(time.Minute)

	ok, err := st.TryAcquireLease(ctx, "e1", now, until)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, err = st.TryAcquireLease(ctx, "e1", now, until)
	if err != nil {
		t.Fatalf("second acquire err: %v", err)
	}
	if ok {
		t.Fatal("second acquire must fail while lease is live")
	}

	if err := st.ReleaseLease(ctx, "e1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = st.TryAcquireLease(ctx, "e1", now, until)
	if err != nil || !ok {
		t.Fatalf("acquire after release = %v, %v", ok, err)
	}
}

func TestTryAcquireLeaseExpiryBoundary(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, st, "e1", "follow", "new")

	t0 := time.Now().Truncate(time.Millisecond)
	expiry := t0.Add(time.Minute)
	if ok, _ := st.TryAcquireLease(ctx, "e1", t0, expiry); !ok {
		t.Fatal("initial acquire failed")
	}

	// Strictly before expiry: still held.
	ok, err := st.TryAcquireLease(ctx, "e1", expiry.Add(-time.Millisecond), expiry.Add(time.Minute))
	if err != nil {
		t.Fatalf("acquire err: %v", err)
	}
	if ok {
		t.Fatal("lease must not be acquirable before expiry")
	}

	// At expiry: acquirable again.
	ok, err = st.TryAcquireLease(ctx, "e1", expiry, expiry.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("acquire at expiry = %v, %v", ok, err)
	}
}

func TestTryAcquireLeaseConcurrentRace(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, st, "e1", "follow", "new")

	now := time.Now()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.TryAcquireLease(ctx, "e1", now, now.Add(time.Minute))
			if err != nil {
				t.Errorf("acquire err: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestExtendLease(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, st, "e1", "follow", "new")

	t0 := time.Now()
	if ok, _ := st.TryAcquireLease(ctx, "e1", t0, t0.Add(time.Minute)); !ok {
		t.Fatal("acquire failed")
	}

	ok, err := st.ExtendLease(ctx, "e1", t0.Add(30*time.Second), t0.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("extend live lease = %v, %v", ok, err)
	}

	// After the (extended) expiry the lease no longer belongs to anyone.
	ok, err = st.ExtendLease(ctx, "e1", t0.Add(3*time.Minute), t0.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("extend err: %v", err)
	}
	if ok {
		t.Fatal("extending a lapsed lease must fail")
	}
}

func TestMarkAttemptedAndApplyTransition(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, st, "e1", "follow", "new")

	now := time.Now().Truncate(time.Millisecond)
	if err := st.MarkAttempted(ctx, "e1", now); err != nil {
		t.Fatalf("mark attempted: %v", err)
	}
	got := mustGet(t, st, "e1")
	if got.Ready {
		t.Fatal("ready must be cleared at dispatch")
	}
	if got.Attempted == nil || !got.Attempted.Equal(now) {
		t.Fatalf("attempted = %v, want %v", got.Attempted, now)
	}

	later := now.Add(time.Second)
	if err := st.ApplyTransition(ctx, "e1", "active", later, false); err != nil {
		t.Fatalf("apply transition: %v", err)
	}
	got = mustGet(t, st, "e1")
	if got.State != "active" {
		t.Fatalf("state = %q", got.State)
	}
	if !got.Ready {
		t.Fatal("transitioned entity must be ready so the new state runs immediately")
	}
	if got.Attempted != nil {
		t.Fatal("attempted must be cleared on transition")
	}
	if got.LeaseExpires != nil {
		t.Fatal("lease must be cleared on transition")
	}
	if !got.Changed.Equal(later) {
		t.Fatalf("changed = %v, want %v", got.Changed, later)
	}
}

func TestApplyTransitionDelayed(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, st, "e1", "follow", "new")

	now := time.Now().Truncate(time.Millisecond)
	if err := st.ApplyTransition(ctx, "e1", "cooling", now, true); err != nil {
		t.Fatalf("apply transition: %v", err)
	}
	got := mustGet(t, st, "e1")
	if got.Ready {
		t.Fatal("delayed transition must park the entity for the readiness pass")
	}
	if got.Attempted == nil || !got.Attempted.Equal(now) {
		t.Fatalf("attempted = %v, want %v", got.Attempted, now)
	}
}

func TestFetchReadyBatch(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mustCreate(t, st, "a", "follow", "new")
	mustCreate(t, st, "b", "follow", "new")
	mustCreate(t, st, "c", "follow", "accepted") // not an automatic state
	mustCreate(t, st, "d", "post", "new")        // different type

	// "b" was attempted earlier and re-readied; "a" never attempted, so it
	// sorts first.
	if err := st.MarkAttempted(ctx, "b", now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.SetReady(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	batch, err := st.FetchReadyBatch(ctx, "follow", []string{"new"}, 10, now)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch = %d entities, want 2", len(batch))
	}
	if batch[0].ID != "a" || batch[1].ID != "b" {
		t.Fatalf("order = %s, %s; want a, b (never-attempted first)", batch[0].ID, batch[1].ID)
	}

	// A live lease excludes the entity; an expired one does not.
	if ok, _ := st.TryAcquireLease(ctx, "a", now, now.Add(time.Minute)); !ok {
		t.Fatal("acquire failed")
	}
	batch, err = st.FetchReadyBatch(ctx, "follow", []string{"new"}, 10, now)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != "b" {
		t.Fatalf("leased entity not excluded: %+v", batch)
	}
	batch, err = st.FetchReadyBatch(ctx, "follow", []string{"new"}, 10, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expired lease should not exclude: got %d", len(batch))
	}

	// Limit applies.
	batch, err = st.FetchReadyBatch(ctx, "follow", []string{"new"}, 1, now.Add(2*time.Minute))
	if err != nil || len(batch) != 1 {
		t.Fatalf("limited fetch = %v, %v", batch, err)
	}
}

func TestBulkMarkReadyRespectsTryInterval(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, st, "e1", "follow", "pending")
	t0 := time.Now().Truncate(time.Millisecond)
	if err := st.MarkAttempted(ctx, "e1", t0); err != nil {
		t.Fatal(err)
	}

	rules := []RetryRule{{State: "pending", Interval: 30 * time.Second}}

	// 10s after the attempt: not yet eligible.
	n, err := st.BulkMarkReady(ctx, "follow", rules, t0.Add(10*time.Second))
	if err != nil {
		t.Fatalf("bulk mark: %v", err)
	}
	if n != 0 || mustGet(t, st, "e1").Ready {
		t.Fatalf("entity readied too early (n=%d)", n)
	}

	// 31s after: eligible.
	n, err = st.BulkMarkReady(ctx, "follow", rules, t0.Add(31*time.Second))
	if err != nil {
		t.Fatalf("bulk mark: %v", err)
	}
	if n != 1 || !mustGet(t, st, "e1").Ready {
		t.Fatalf("entity not readied after interval (n=%d)", n)
	}

	// Redundant scans are harmless no-ops on already-ready rows.
	if _, err := st.BulkMarkReady(ctx, "follow", rules, t0.Add(31*time.Second)); err != nil {
		t.Fatalf("redundant bulk mark: %v", err)
	}
}

func TestBulkMarkReadyAfterDelayedTransition(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	// A delayed transition parks the entity with the attempt timestamp
	// set, so its first run in the new state waits a full try interval.
	mustCreate(t, st, "e1", "follow", "pending")
	t0 := time.Now().Truncate(time.Millisecond)
	if err := st.ApplyTransition(ctx, "e1", "pending", t0, true); err != nil {
		t.Fatal(err)
	}
	if mustGet(t, st, "e1").Ready {
		t.Fatal("setup: entity should be parked")
	}

	n, err := st.BulkMarkReady(ctx, "follow",
		[]RetryRule{{State: "pending", Interval: 30 * time.Second}},
		t0.Add(31*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("bulk mark = %d, %v", n, err)
	}
}

func TestClearExpiredLeases(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mustCreate(t, st, "live", "follow", "new")
	mustCreate(t, st, "stale", "follow", "new")
	if ok, _ := st.TryAcquireLease(ctx, "live", now, now.Add(time.Hour)); !ok {
		t.Fatal("acquire failed")
	}
	if ok, _ := st.TryAcquireLease(ctx, "stale", now, now.Add(time.Second)); !ok {
		t.Fatal("acquire failed")
	}

	n, err := st.ClearExpiredLeases(ctx, now.Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleared = %d, want 1", n)
	}
	if mustGet(t, st, "live").LeaseExpires == nil {
		t.Fatal("live lease must survive cleanup")
	}
	if mustGet(t, st, "stale").LeaseExpires != nil {
		t.Fatal("stale lease must be cleared")
	}
}

func TestDeleteDue(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := &Entity{ID: "old", Type: "probe", State: "done", Changed: now.Add(-48 * time.Hour)}
	if err := st.Create(ctx, old); err != nil {
		t.Fatal(err)
	}
	fresh := &Entity{ID: "fresh", Type: "probe", State: "done", Changed: now.Add(-time.Hour)}
	if err := st.Create(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := st.DeleteDue(ctx, "probe", "done", now.Add(-24*time.Hour), 100)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if _, err := st.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatal("old entity should be gone")
	}
	if _, err := st.Get(ctx, "fresh"); err != nil {
		t.Fatal("fresh entity should survive")
	}
}

func TestReadyCount(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mustCreate(t, st, "a", "follow", "new")
	mustCreate(t, st, "b", "follow", "new")
	mustCreate(t, st, "c", "follow", "accepted")
	if err := st.MarkAttempted(ctx, "b", now); err != nil {
		t.Fatal(err)
	}

	n, err := st.ReadyCount(ctx, "follow", []string{"new"}, now)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}
