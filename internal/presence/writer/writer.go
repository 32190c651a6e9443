// Package writer runs the per-session presence agent. One writer owns one
// user's presence record: it seeds the record at session start, keeps it
// live from position samples, and guarantees the record converges to
// offline when the session ends, cleanly or not.
package writer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nearwave/nearwave/internal/presence"
	"github.com/nearwave/nearwave/internal/presence/source"
	"github.com/nearwave/nearwave/internal/presence/store"
)

// State is the writer's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateSeeding
	StateLive
	StateDegraded
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSeeding:
		return "seeding"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Defaults for the product-tuned windows. All are configuration, not law.
const (
	DefaultThrottleWindow = 2500 * time.Millisecond
	DefaultFallbackWait   = 4 * time.Second
	defaultOneShotTimeout = 12 * time.Second
)

// Sentinel coordinate written when no fix arrives inside the fallback
// window, so a session without location capability still appears on the
// map instead of silently vanishing.
var fallbackPoint = presence.Point{Lat: 47.918, Lng: 106.917, Accuracy: 9999}

// Config wires a writer to its session's store handle and position source.
type Config struct {
	UserID string
	Store  store.Store
	Source source.Source

	// ThrottleWindow caps continuous samples to one upsert per window;
	// earlier samples in a window are dropped, not queued.
	ThrottleWindow time.Duration
	// FallbackWait bounds how long the writer waits for a first fix before
	// publishing the sentinel coordinate.
	FallbackWait time.Duration
	// DeleteOnClose removes the record on clean teardown instead of
	// leaving it marked offline.
	DeleteOnClose bool
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Writer is the presence agent for a single session.
type Writer struct {
	userID         string
	store          store.Store
	source         source.Source
	throttleWindow time.Duration
	fallbackWait   time.Duration
	deleteOnClose  bool
	clock          func() time.Time

	mu          sync.Mutex
	state       State
	lastWrite   time.Time
	fallback    *time.Timer
	cancelWatch func()
	stopCtx     context.CancelFunc
}

// New validates cfg and creates a writer in the Idle state.
func New(cfg Config) (*Writer, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("presence store is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("position source is required")
	}
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = DefaultThrottleWindow
	}
	if cfg.FallbackWait <= 0 {
		cfg.FallbackWait = DefaultFallbackWait
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Writer{
		userID:         cfg.UserID,
		store:          cfg.Store,
		source:         cfg.Source,
		throttleWindow: cfg.ThrottleWindow,
		fallbackWait:   cfg.FallbackWait,
		deleteOnClose:  cfg.DeleteOnClose,
		clock:          cfg.Clock,
	}, nil
}

// State returns the writer's current lifecycle state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start seeds the presence record, registers the disconnect action, and
// begins sampling. It returns once the agent is running; sampling proceeds
// asynchronously.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return fmt.Errorf("writer already started (state %s)", w.state)
	}
	w.state = StateSeeding
	runCtx, stop := context.WithCancel(ctx)
	w.stopCtx = stop
	w.mu.Unlock()

	// Seed row: viewers see the user exists before any fix arrives. The
	// write is advisory; failure is swallowed like every presence write.
	w.upsert(runCtx, presence.Update{Status: presence.StatusOnline})

	// Store-enforced convergence to offline if this session disappears
	// without teardown.
	if err := w.store.RegisterDisconnectAction(runCtx, w.userID, presence.Update{
		Status: presence.StatusOffline,
	}); err != nil {
		log.Printf("presence: register disconnect action user=%q: %v", w.userID, err)
	}

	// Bounded wait for a first fix; after that the sentinel goes out so
	// the map never shows a hung, coordinate-less session.
	w.mu.Lock()
	w.fallback = time.AfterFunc(w.fallbackWait, func() {
		w.writeFallback(runCtx)
	})
	w.mu.Unlock()

	go w.seedOnce(runCtx)

	cancelWatch, err := w.source.Watch(runCtx, source.Options{HighAccuracy: true}, func(pos source.Position) {
		w.onSample(runCtx, pos, true)
	}, func(err error) {
		w.onSampleError(runCtx, err)
	})
	if err != nil {
		// No continuous capability. The fallback timer still publishes the
		// sentinel; record the condition and stay online.
		log.Printf("presence: watch unavailable user=%q: %v", w.userID, err)
		w.upsert(runCtx, presence.Update{Note: presence.NoteValue(presence.NoteSourceUnavailable)})
		return nil
	}
	w.mu.Lock()
	w.cancelWatch = cancelWatch
	w.mu.Unlock()
	return nil
}

// seedOnce acquires the initial one-shot fix.
func (w *Writer) seedOnce(ctx context.Context) {
	pos, err := w.source.GetOnce(ctx, source.Options{HighAccuracy: true, Timeout: defaultOneShotTimeout})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Keep the fallback timer running; the error only becomes a note.
		w.onSampleError(ctx, err)
		return
	}
	// Throttled like any other sample: if the watch already delivered a
	// fix, the seed is redundant and drops out.
	w.onSample(ctx, pos, true)
}

// onSample accepts one fix. Throttling applies to continuous samples only;
// the one-shot seed always lands so Seeding ends as soon as possible.
func (w *Writer) onSample(ctx context.Context, pos source.Position, throttled bool) {
	w.mu.Lock()
	if w.state == StateTerminated {
		w.mu.Unlock()
		return
	}
	now := w.clock()
	if throttled && w.state != StateSeeding && now.Sub(w.lastWrite) < w.throttleWindow {
		w.mu.Unlock()
		return
	}
	w.lastWrite = now
	w.state = StateLive
	if w.fallback != nil {
		w.fallback.Stop()
		w.fallback = nil
	}
	w.mu.Unlock()

	point := presence.Point{
		Lat:      pos.Lat,
		Lng:      pos.Lng,
		Accuracy: pos.Accuracy,
		Heading:  pos.Heading,
		Speed:    pos.Speed,
	}
	w.upsert(ctx, presence.Update{
		Status: presence.StatusOnline,
		Point:  &point,
		Note:   presence.ClearNote(),
	})
}

// onSampleError records a transient failure as a diagnostic note. It never
// reverts coordinates or takes an online user back to an unseeded state.
func (w *Writer) onSampleError(ctx context.Context, err error) {
	w.mu.Lock()
	if w.state == StateTerminated {
		w.mu.Unlock()
		return
	}
	if w.state == StateLive {
		w.state = StateDegraded
	}
	w.mu.Unlock()

	note := presence.NoteSourceUnavailable
	if code := source.ErrorCode(err); code >= 0 {
		note = fmt.Sprintf("geo_err_%d", code)
	}
	w.upsert(ctx, presence.Update{Note: presence.NoteValue(note)})
}

// writeFallback publishes the sentinel coordinate after the bounded wait.
func (w *Writer) writeFallback(ctx context.Context) {
	w.mu.Lock()
	if w.state != StateSeeding {
		w.mu.Unlock()
		return
	}
	w.state = StateDegraded
	w.fallback = nil
	w.mu.Unlock()

	point := fallbackPoint
	w.upsert(ctx, presence.Update{
		Status: presence.StatusOnline,
		Point:  &point,
		Note:   presence.NoteValue(presence.NoteFallback),
	})
}

// Close terminates the agent: cancels sampling, stops timers, and writes
// the explicit offline transition. It runs its teardown on every call path
// and is safe to call more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.state == StateTerminated {
		w.mu.Unlock()
		return
	}
	w.state = StateTerminated
	if w.fallback != nil {
		w.fallback.Stop()
		w.fallback = nil
	}
	cancelWatch := w.cancelWatch
	w.cancelWatch = nil
	stop := w.stopCtx
	w.stopCtx = nil
	w.mu.Unlock()

	if cancelWatch != nil {
		cancelWatch()
	}

	// The teardown write uses a fresh context: the session context is
	// usually already cancelled by the time we get here.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if w.deleteOnClose {
		if err := w.store.Delete(ctx, w.userID); err != nil {
			log.Printf("presence: delete on close user=%q: %v", w.userID, err)
		}
	} else {
		w.upsert(ctx, presence.Update{Status: presence.StatusOffline})
	}

	if stop != nil {
		stop()
	}
}

// upsert is fire-and-forget: presence is advisory and self-healing via the
// next sample, so a rejected write is logged and dropped, never retried.
func (w *Writer) upsert(ctx context.Context, update presence.Update) {
	if err := w.store.Upsert(ctx, w.userID, update); err != nil {
		log.Printf("presence: upsert user=%q: %v", w.userID, err)
	}
}
