package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nearwave/nearwave/internal/presence"
	"github.com/nearwave/nearwave/internal/presence/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Rewind(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(-d)
	c.mu.Unlock()
}

func TestUpsertMergesPartialUpdates(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewWithClock(clock.Now)
	ctx := context.Background()

	if err := s.Upsert(ctx, "user-1", presence.Update{Status: presence.StatusOnline}); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}
	record, err := s.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != presence.StatusOnline {
		t.Fatalf("status = %q, want online", record.Status)
	}
	if record.Point != nil {
		t.Fatal("seed record should have no coordinates")
	}

	clock.Advance(time.Second)
	update := presence.Update{
		Point: &presence.Point{Lat: 47.92, Lng: 106.91, Accuracy: 8},
		Note:  presence.NoteValue("fallback"),
	}
	if err := s.Upsert(ctx, "user-1", update); err != nil {
		t.Fatalf("coordinate upsert: %v", err)
	}
	record, err = s.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if record.Point == nil || record.Point.Lat != 47.92 {
		t.Fatalf("unexpected point: %+v", record.Point)
	}
	if record.Status != presence.StatusOnline {
		t.Fatalf("partial update clobbered status: %q", record.Status)
	}
	if record.Note != "fallback" {
		t.Fatalf("note = %q, want fallback", record.Note)
	}

	if err := s.Upsert(ctx, "user-1", presence.Update{Note: presence.ClearNote()}); err != nil {
		t.Fatalf("clear note: %v", err)
	}
	record, _ = s.Get(ctx, "user-1")
	if record.Note != "" {
		t.Fatalf("note not cleared: %q", record.Note)
	}
}

func TestUpsertTimestampsAreStoreAssignedAndMonotonic(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewWithClock(clock.Now)
	ctx := context.Background()

	if err := s.Upsert(ctx, "user-1", presence.Update{Status: presence.StatusOnline}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	first, _ := s.Get(ctx, "user-1")

	// A rewound store clock must never move the stamp backwards.
	clock.Rewind(time.Minute)
	if err := s.Upsert(ctx, "user-1", presence.Update{Status: presence.StatusOnline}); err != nil {
		t.Fatalf("upsert after rewind: %v", err)
	}
	second, _ := s.Get(ctx, "user-1")
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Fatalf("timestamp went backwards: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestSubscribeAllDeliversSnapshots(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	snapshots := make(chan map[string]presence.Record, 16)
	cancel := s.SubscribeAll(func(records map[string]presence.Record) {
		snapshots <- records
	})
	defer cancel()

	// Initial delivery with the current (empty) state.
	select {
	case snap := <-snapshots:
		if len(snap) != 0 {
			t.Fatalf("expected empty initial snapshot, got %d records", len(snap))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	if err := s.Upsert(ctx, "user-1", presence.Update{Status: presence.StatusOnline}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-snapshots:
			if _, ok := snap["user-1"]; ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber never observed the upsert")
		}
	}
}

func TestSubscribeAllCancelStopsDelivery(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	cancel := s.SubscribeAll(func(map[string]presence.Record) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	cancel()
	cancel() // idempotent

	if err := s.Upsert(ctx, "user-1", presence.Update{Status: presence.StatusOnline}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	final := count
	mu.Unlock()
	if final > 1 {
		t.Fatalf("cancelled subscriber still receiving: %d deliveries", final)
	}
}

func TestDisconnectActionAppliedOnAbruptClose(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	session := s.OpenSession()
	if err := session.Upsert(ctx, "user-1", presence.Update{Status: presence.StatusOnline}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := session.RegisterDisconnectAction(ctx, "user-1", presence.Update{Status: presence.StatusOffline}); err != nil {
		t.Fatalf("register disconnect action: %v", err)
	}

	// Abrupt termination: no explicit offline write from the writer.
	session.Close()
	session.Close() // exactly once regardless of repeated closes

	record, err := s.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != presence.StatusOffline {
		t.Fatalf("status = %q, want offline after disconnect", record.Status)
	}
}

func TestDiscardSkipsDisconnectActions(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	session := s.OpenSession()
	if err := session.Upsert(ctx, "user-1", presence.Update{Status: presence.StatusOnline}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := session.RegisterDisconnectAction(ctx, "user-1", presence.Update{Status: presence.StatusOffline}); err != nil {
		t.Fatalf("register disconnect action: %v", err)
	}

	// Clean teardown: the writer already removed the record.
	if err := session.Delete(ctx, "user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	session.Discard()

	if _, err := s.Get(ctx, "user-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("discarded session must not resurrect the record, err = %v", err)
	}
}

func TestDisconnectActionSupersededByReRegistration(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	session := s.OpenSession()
	if err := session.RegisterDisconnectAction(ctx, "user-1", presence.Update{Note: presence.NoteValue("stale-action")}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := session.RegisterDisconnectAction(ctx, "user-1", presence.Update{Status: presence.StatusOffline}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	session.Close()

	record, err := s.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Note == "stale-action" {
		t.Fatal("superseded disconnect action was applied")
	}
	if record.Status != presence.StatusOffline {
		t.Fatalf("status = %q, want offline", record.Status)
	}
}

func TestClosedSessionRejectsWrites(t *testing.T) {
	t.Parallel()

	s := New()
	session := s.OpenSession()
	session.Close()

	err := session.Upsert(context.Background(), "user-1", presence.Update{Status: presence.StatusOnline})
	if !errors.Is(err, store.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewWithClock(clock.Now)
	ctx := context.Background()

	session := s.OpenSession()
	if err := session.Upsert(ctx, "user-1", presence.Update{Status: presence.StatusOnline}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := session.RegisterDisconnectAction(ctx, "user-1", presence.Update{Status: presence.StatusOffline}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Still fresh: nothing expires.
	if n := s.Sweep(clock.Now(), time.Minute); n != 0 {
		t.Fatalf("expected no expired sessions, got %d", n)
	}

	clock.Advance(2 * time.Minute)
	if n := s.Sweep(clock.Now(), time.Minute); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}

	record, err := s.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != presence.StatusOffline {
		t.Fatalf("status = %q, want offline after sweep", record.Status)
	}
}

func TestConcurrentWritersStayIsolated(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := string(rune('a' + n))
			session := s.OpenSession()
			defer session.Close()
			for j := 0; j < 50; j++ {
				_ = session.Upsert(ctx, userID, presence.Update{
					Status: presence.StatusOnline,
					Point:  &presence.Point{Lat: float64(j), Lng: float64(n)},
				})
			}
		}(i)
	}
	wg.Wait()

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 8 {
		t.Fatalf("expected 8 records, got %d", len(snap))
	}
	for userID, record := range snap {
		if record.Point == nil || record.Point.Lat != 49 {
			t.Fatalf("user %s: expected final sample, got %+v", userID, record.Point)
		}
	}
}
