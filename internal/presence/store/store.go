// Package store defines the keyed presence state contract the core consumes.
//
// The store supports many concurrent writers (one per active session) and
// many concurrent subscribers (every viewer's map). Fan-out is eventually
// consistent and at-least-once with no cross-key ordering; readers must not
// assume read-your-writes on their own subscription.
package store

import (
	"context"
	"errors"

	"github.com/nearwave/nearwave/internal/presence"
)

// ErrNotFound indicates a requested presence record is missing.
var ErrNotFound = errors.New("presence record not found")

// ErrSessionClosed indicates a write arrived through an already-closed
// session handle.
var ErrSessionClosed = errors.New("presence session is closed")

// Store is the presence state a session's writer mutates and viewers read.
//
// Upsert merges a partial update into the user's record and stamps it with
// the store's own clock; UpdatedAt is never client-assigned. Delete removes
// the record entirely (clean-shutdown policy, not a correctness need).
// RegisterDisconnectAction arranges for update to be applied exactly once
// after the owning session is detected as gone; re-registration supersedes
// the previous action. The guarantee is best-effort, backed by the store's
// own session tracking, not a consensus promise.
type Store interface {
	Upsert(ctx context.Context, userID string, update presence.Update) error
	Delete(ctx context.Context, userID string) error
	RegisterDisconnectAction(ctx context.Context, userID string, update presence.Update) error
}

// Reader is the viewer-facing surface of a presence store.
//
// SubscribeAll delivers the full current mapping on every change,
// at-least-once, with no ordering guarantee across different keys. The
// returned cancel function stops delivery.
type Reader interface {
	Snapshot(ctx context.Context) (map[string]presence.Record, error)
	SubscribeAll(fn func(records map[string]presence.Record)) (cancel func())
}
