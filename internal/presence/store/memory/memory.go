// Package memory provides the in-process presence store backing the
// realtime service. It keeps one record per user, fans out full snapshots
// to subscribers, and tracks live sessions so disconnect actions fire when
// a writer disappears without teardown.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nearwave/nearwave/internal/presence"
	"github.com/nearwave/nearwave/internal/presence/store"
)

// Store is a mutex-guarded presence map with snapshot fan-out.
type Store struct {
	mu       sync.Mutex
	clock    func() time.Time
	records  map[string]presence.Record
	subs     map[int]*subscriber
	nextSub  int
	sessions map[*Session]struct{}
}

type subscriber struct {
	notify chan struct{}
	done   chan struct{}
}

// New creates an empty presence store.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates a store with an injected clock. Tests use this to
// drive staleness and monotonicity deterministically.
func NewWithClock(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		clock:    clock,
		records:  make(map[string]presence.Record),
		subs:     make(map[int]*subscriber),
		sessions: make(map[*Session]struct{}),
	}
}

// Upsert merges update into the user's record, stamping it with the store
// clock. The stamp never moves backwards.
func (s *Store) Upsert(ctx context.Context, userID string, update presence.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.applyLocked(userID, update)
	s.mu.Unlock()
	s.notifyAll()
	return nil
}

// Delete removes the user's record entirely.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, userID)
	s.mu.Unlock()
	s.notifyAll()
	return nil
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, userID string) (presence.Record, error) {
	if err := ctx.Err(); err != nil {
		return presence.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[userID]
	if !ok {
		return presence.Record{}, store.ErrNotFound
	}
	return record.Clone(), nil
}

// Snapshot returns a deep copy of the full current mapping.
func (s *Store) Snapshot(ctx context.Context) (map[string]presence.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

// SubscribeAll registers fn to receive the full mapping after every change.
// The initial state is delivered immediately. Delivery is at-least-once and
// coalescing: a subscriber that lags sees only the latest state, never a
// backlog.
func (s *Store) SubscribeAll(fn func(records map[string]presence.Record)) (cancel func()) {
	sub := &subscriber{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	idx := s.nextSub
	s.nextSub++
	s.subs[idx] = sub
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case <-sub.notify:
				fn(s.snapshot())
			}
		}
	}()

	// Prime the subscriber with the current state.
	sub.poke()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, idx)
			s.mu.Unlock()
			close(sub.done)
		})
	}
}

// OpenSession creates a live session handle for one writer. The handle
// implements store.Store; closing it (or letting the reaper expire it)
// fires any registered disconnect actions exactly once.
func (s *Store) OpenSession() *Session {
	session := &Session{
		store:      s,
		lastActive: s.clock(),
		actions:    make(map[string]presence.Update),
	}
	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
	return session
}

// Sweep closes sessions with no activity for longer than ttl. It implements
// the store-side keepalive that makes the disconnect contract best-effort
// rather than cooperative.
func (s *Store) Sweep(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	live := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		live = append(live, session)
	}
	s.mu.Unlock()

	var expired []*Session
	for _, session := range live {
		session.mu.Lock()
		idle := now.Sub(session.lastActive)
		session.mu.Unlock()
		if idle > ttl {
			expired = append(expired, session)
		}
	}

	for _, session := range expired {
		session.Close()
	}
	return len(expired)
}

// Run sweeps expired sessions on the given interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = ttl
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.clock(), ttl)
		}
	}
}

func (s *Store) snapshot() map[string]presence.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]presence.Record, len(s.records))
	for key, record := range s.records {
		out[key] = record.Clone()
	}
	return out
}

func (s *Store) applyLocked(userID string, update presence.Update) {
	record, ok := s.records[userID]
	if !ok {
		record = presence.Record{UserID: userID}
	}
	if update.Status != "" {
		record.Status = update.Status
	}
	if update.Point != nil {
		point := *update.Point
		record.Point = &point
	}
	if update.Note != nil {
		record.Note = *update.Note
	}
	stamp := s.clock()
	if stamp.Before(record.UpdatedAt) {
		stamp = record.UpdatedAt
	}
	record.UpdatedAt = stamp
	s.records[userID] = record
}

func (s *Store) notifyAll() {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.poke()
	}
}

func (sub *subscriber) poke() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// Session is one writer's live handle on the store.
type Session struct {
	store      *Store
	mu         sync.Mutex
	closed     bool
	lastActive time.Time
	actions    map[string]presence.Update
}

var _ store.Store = (*Session)(nil)

func (sess *Session) touch() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return store.ErrSessionClosed
	}
	sess.lastActive = sess.store.clock()
	return nil
}

// Upsert writes through to the store and refreshes the session keepalive.
func (sess *Session) Upsert(ctx context.Context, userID string, update presence.Update) error {
	if err := sess.touch(); err != nil {
		return err
	}
	return sess.store.Upsert(ctx, userID, update)
}

// Delete writes through to the store and refreshes the session keepalive.
func (sess *Session) Delete(ctx context.Context, userID string) error {
	if err := sess.touch(); err != nil {
		return err
	}
	return sess.store.Delete(ctx, userID)
}

// RegisterDisconnectAction records the update applied when this session is
// detected as gone. Re-registration for the same key supersedes the
// previous action.
func (sess *Session) RegisterDisconnectAction(ctx context.Context, userID string, update presence.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return store.ErrSessionClosed
	}
	sess.lastActive = sess.store.clock()
	sess.actions[userID] = update
	return nil
}

// Close detaches the session and applies registered disconnect actions
// exactly once. Safe to call multiple times.
func (sess *Session) Close() {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	actions := sess.actions
	sess.actions = nil
	sess.mu.Unlock()

	sess.store.mu.Lock()
	delete(sess.store.sessions, sess)
	for userID, update := range actions {
		sess.store.applyLocked(userID, update)
	}
	sess.store.mu.Unlock()
	if len(actions) > 0 {
		sess.store.notifyAll()
	}
}

// Discard detaches the session without firing its disconnect actions. Use
// it on clean teardown after the writer has already converged the record;
// Close would otherwise replay the offline action over a deleted row.
func (sess *Session) Discard() {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	sess.actions = nil
	sess.mu.Unlock()

	sess.store.mu.Lock()
	delete(sess.store.sessions, sess)
	sess.store.mu.Unlock()
}
