// Package storage defines persistence contracts for wave and chat state.
//
// Wave and chat records are the only records in the system written by two
// different sessions, which is why every mutation goes through a pair-keyed
// transaction instead of a plain upsert.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a pair transaction could not be serialized and
	// may be retried.
	ErrConflict = errors.New("pair transaction conflict")
)

// Wave stores the one-sided interest state for an unordered user pair.
type Wave struct {
	PairKey string
	// WavedBy holds the users who have waved, 0 to 2 members, only ever
	// drawn from the pair identified by the key. Append-only until the
	// record completes at size 2.
	WavedBy   []string
	UpdatedAt time.Time
	// MatchedAt is set exactly once, when WavedBy reaches both members.
	MatchedAt time.Time
}

// Matched reports whether the wave completed into a mutual match.
func (w Wave) Matched() bool {
	return !w.MatchedAt.IsZero()
}

// Contains reports whether userID has waved on this record.
func (w Wave) Contains(userID string) bool {
	for _, waver := range w.WavedBy {
		if waver == userID {
			return true
		}
	}
	return false
}

// Chat stores one chat channel for a matched pair.
type Chat struct {
	PairKey string
	// Participants are exactly two user identifiers, sorted.
	Participants  []string
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// PairTx is the atomic read-modify-write surface over the two records
// keyed by one pair. All reads and writes inside a single PairTx commit or
// fail together; no partially-applied state is ever externally visible.
type PairTx interface {
	// Wave loads the pair's wave record; ok is false when absent.
	Wave() (wave Wave, ok bool, err error)
	// PutWave stores the waver set. The store assigns UpdatedAt, and when
	// matched is true it assigns MatchedAt if not already set.
	PutWave(wavedBy []string, matched bool) (Wave, error)
	// Chat loads the pair's chat record; ok is false when absent.
	Chat() (chat Chat, ok bool, err error)
	// EnsureChat creates the chat if absent, preserving CreatedAt forever;
	// when the chat already exists only LastMessageAt is refreshed.
	EnsureChat(participants []string) (Chat, error)
}

// Store persists wave and chat records.
type Store interface {
	// WithinPair runs fn inside one atomic transaction scoped to pairKey.
	// Serialization failures surface as ErrConflict.
	WithinPair(ctx context.Context, pairKey string, fn func(tx PairTx) error) error
	GetWave(ctx context.Context, pairKey string) (Wave, error)
	GetChat(ctx context.Context, pairKey string) (Chat, error)
	// ListChats returns the chats userID participates in, most recent
	// activity first.
	ListChats(ctx context.Context, userID string) ([]Chat, error)
}
