package writer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nearwave/nearwave/internal/presence"
	"github.com/nearwave/nearwave/internal/presence/source"
)

// recordingStore captures every store interaction for assertions.
type recordingStore struct {
	mu          sync.Mutex
	upserts     []presence.Update
	deletes     int
	disconnects []presence.Update
}

func (s *recordingStore) Upsert(ctx context.Context, userID string, update presence.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, update)
	return nil
}

func (s *recordingStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	return nil
}

func (s *recordingStore) RegisterDisconnectAction(ctx context.Context, userID string, update presence.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, update)
	return nil
}

func (s *recordingStore) coordinateUpserts() []presence.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []presence.Update
	for _, update := range s.upserts {
		if update.Point != nil {
			out = append(out, update)
		}
	}
	return out
}

func (s *recordingStore) lastUpsert() (presence.Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.upserts) == 0 {
		return presence.Update{}, false
	}
	return s.upserts[len(s.upserts)-1], true
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func startWriter(t *testing.T, store *recordingStore, src source.Source, clock *manualClock, fallbackWait time.Duration) *Writer {
	t.Helper()
	w, err := New(Config{
		UserID:         "user-1",
		Store:          store,
		Source:         src,
		ThrottleWindow: 2500 * time.Millisecond,
		FallbackWait:   fallbackWait,
		Clock:          clock.Now,
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start writer: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func TestStartSeedsOnlineRowAndRegistersDisconnect(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	push := source.NewPush()
	w := startWriter(t, store, push, newManualClock(), time.Hour)

	if got := w.State(); got != StateSeeding {
		t.Fatalf("state = %s, want seeding", got)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.upserts) == 0 {
		t.Fatal("expected a seed upsert")
	}
	seed := store.upserts[0]
	if seed.Status != presence.StatusOnline {
		t.Fatalf("seed status = %q, want online", seed.Status)
	}
	if seed.Point != nil {
		t.Fatal("seed row must not carry coordinates")
	}
	if len(store.disconnects) != 1 || store.disconnects[0].Status != presence.StatusOffline {
		t.Fatalf("expected one offline disconnect action, got %+v", store.disconnects)
	}
}

func TestFirstFixMovesWriterToLive(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	push := source.NewPush()
	w := startWriter(t, store, push, newManualClock(), time.Hour)

	push.Offer(source.Position{Lat: 47.92, Lng: 106.91, Accuracy: 10})

	waitFor(t, 2*time.Second, func() bool { return w.State() == StateLive })
	coords := store.coordinateUpserts()
	if len(coords) == 0 {
		t.Fatal("expected a coordinate upsert")
	}
	first := coords[0]
	if first.Point.Lat != 47.92 {
		t.Fatalf("lat = %v, want 47.92", first.Point.Lat)
	}
	if first.Note == nil || *first.Note != "" {
		t.Fatal("a successful fix must clear the note")
	}
}

func TestThrottleCollapsesBurstToOneUpsert(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	push := source.NewPush()
	clock := newManualClock()
	w := startWriter(t, store, push, clock, time.Hour)

	for i := 0; i < 10; i++ {
		push.Offer(source.Position{Lat: float64(i), Lng: 1, Accuracy: 5})
	}
	waitFor(t, 2*time.Second, func() bool { return w.State() == StateLive })
	// Let the one-shot seed path drain as well before counting.
	time.Sleep(50 * time.Millisecond)

	if got := len(store.coordinateUpserts()); got != 1 {
		t.Fatalf("burst produced %d upserts, want 1", got)
	}

	// The next window accepts exactly one more sample.
	clock.Advance(3 * time.Second)
	push.Offer(source.Position{Lat: 99, Lng: 1, Accuracy: 5})
	waitFor(t, 2*time.Second, func() bool { return len(store.coordinateUpserts()) == 2 })
	coords := store.coordinateUpserts()
	if coords[1].Point.Lat != 99 {
		t.Fatalf("second window lat = %v, want 99", coords[1].Point.Lat)
	}
}

func TestFallbackPublishesSentinelAfterBoundedWait(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	push := source.NewPush()
	w := startWriter(t, store, push, newManualClock(), 30*time.Millisecond)

	waitFor(t, 2*time.Second, func() bool { return w.State() == StateDegraded })
	coords := store.coordinateUpserts()
	if len(coords) != 1 {
		t.Fatalf("expected 1 sentinel upsert, got %d", len(coords))
	}
	sentinel := coords[0]
	if sentinel.Point.Lat != 47.918 || sentinel.Point.Lng != 106.917 {
		t.Fatalf("sentinel point = %+v", sentinel.Point)
	}
	if sentinel.Point.Accuracy != 9999 {
		t.Fatalf("sentinel accuracy = %v, want 9999", sentinel.Point.Accuracy)
	}
	if sentinel.Note == nil || *sentinel.Note != presence.NoteFallback {
		t.Fatal("sentinel must carry the fallback note")
	}
	if sentinel.Status != presence.StatusOnline {
		t.Fatal("sentinel must keep the user online")
	}

	// A real fix later supersedes the sentinel.
	push.Offer(source.Position{Lat: 47.95, Lng: 106.95, Accuracy: 8})
	waitFor(t, 2*time.Second, func() bool { return w.State() == StateLive })
}

func TestSampleErrorOnlyUpdatesNote(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	push := source.NewPush()
	clock := newManualClock()
	w := startWriter(t, store, push, clock, time.Hour)

	push.Offer(source.Position{Lat: 47.92, Lng: 106.91, Accuracy: 10})
	waitFor(t, 2*time.Second, func() bool { return w.State() == StateLive })

	push.Fail(&source.SampleError{Code: 2})
	waitFor(t, 2*time.Second, func() bool { return w.State() == StateDegraded })

	last, ok := store.lastUpsert()
	if !ok {
		t.Fatal("expected upserts")
	}
	if last.Note == nil || *last.Note != "geo_err_2" {
		t.Fatalf("note = %v, want geo_err_2", last.Note)
	}
	if last.Point != nil {
		t.Fatal("error update must not touch coordinates")
	}
	if last.Status != "" {
		t.Fatal("error update must not change status")
	}

	// Recovery: a later sample clears the note and returns to Live.
	clock.Advance(3 * time.Second)
	push.Offer(source.Position{Lat: 47.93, Lng: 106.92, Accuracy: 9})
	waitFor(t, 2*time.Second, func() bool { return w.State() == StateLive })
}

func TestCloseWritesOfflineOnEveryPath(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	push := source.NewPush()
	w := startWriter(t, store, push, newManualClock(), time.Hour)

	w.Close()
	w.Close() // idempotent

	last, ok := store.lastUpsert()
	if !ok {
		t.Fatal("expected upserts")
	}
	if last.Status != presence.StatusOffline {
		t.Fatalf("final status = %q, want offline", last.Status)
	}
	if got := w.State(); got != StateTerminated {
		t.Fatalf("state = %s, want terminated", got)
	}

	// Samples after termination are ignored.
	before := len(store.coordinateUpserts())
	push.Offer(source.Position{Lat: 1, Lng: 2})
	time.Sleep(30 * time.Millisecond)
	if got := len(store.coordinateUpserts()); got != before {
		t.Fatalf("terminated writer accepted a sample: %d -> %d", before, got)
	}
}

func TestDeleteOnClosePolicy(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	push := source.NewPush()
	w, err := New(Config{
		UserID:        "user-1",
		Store:         store,
		Source:        push,
		DeleteOnClose: true,
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.deletes != 1 {
		t.Fatalf("deletes = %d, want 1", store.deletes)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Store: &recordingStore{}, Source: source.NewPush()}); err == nil {
		t.Fatal("expected missing user id error")
	}
	if _, err := New(Config{UserID: "u", Source: source.NewPush()}); err == nil {
		t.Fatal("expected missing store error")
	}
	if _, err := New(Config{UserID: "u", Store: &recordingStore{}}); err == nil {
		t.Fatal("expected missing source error")
	}
}
