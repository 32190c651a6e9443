// Package match converts asymmetric wave actions into mutual matches with
// exactly-once chat creation.
package match

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nearwave/nearwave/internal/match/storage"
)

// Status is the outcome of a wave call.
type Status string

const (
	// StatusWaved means the wave is recorded but not yet reciprocated.
	StatusWaved Status = "WAVED"
	// StatusChatReady means the pair is mutual and the chat exists.
	StatusChatReady Status = "CHAT_READY"
)

// Result is what a wave call returns to the caller.
type Result struct {
	Status Status
	// ChatID is the pair key of the created chat; set only for CHAT_READY.
	ChatID string
}

var (
	// ErrInvalid marks a wave rejected before any storage work.
	ErrInvalid = errors.New("invalid wave")
	// ErrConflict is returned when the wave transaction could not be
	// serialized after bounded retries. The caller must re-query rather
	// than infer match state from it.
	ErrConflict = errors.New("wave could not be applied, re-query match state")
)

const (
	defaultMaxAttempts = 3
	// retryBackoffBase spaces out conflict retries so two sides waving at
	// the same instant do not burn every attempt inside one lock window.
	retryBackoffBase = 10 * time.Millisecond
)

// PairKey derives the deterministic, order-independent key both shared
// records for a pair live under.
func PairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "__" + pair[1]
}

// Engine runs the mutual-interest matching protocol over pair-keyed
// transactions.
type Engine struct {
	store       storage.Store
	maxAttempts int
	tracer      trace.Tracer
}

// NewEngine creates an engine over the given store.
func NewEngine(store storage.Store) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("match storage is required")
	}
	return &Engine{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		tracer:      otel.Tracer("nearwave/match"),
	}, nil
}

// Wave records from's interest in to. Re-waving is a no-op, not an error;
// when the wave completes the pair, the chat is created idempotently inside
// the same atomic unit and CHAT_READY is returned with its id.
func (e *Engine) Wave(ctx context.Context, from, to string) (Result, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return Result{}, fmt.Errorf("%w: both user ids are required", ErrInvalid)
	}
	if from == to {
		return Result{}, fmt.Errorf("%w: cannot wave at yourself", ErrInvalid)
	}

	pairKey := PairKey(from, to)
	ctx, span := e.tracer.Start(ctx, "match.wave",
		trace.WithAttributes(attribute.String("match.pair_key", pairKey)))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		result, err := e.waveOnce(ctx, pairKey, from, to)
		if err == nil {
			span.SetAttributes(attribute.String("match.status", string(result.Status)))
			return result, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return Result{}, err
		}
		lastErr = err
		if attempt < e.maxAttempts-1 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return Result{}, err
			}
		}
	}
	span.SetAttributes(attribute.Bool("match.conflict", true))
	return Result{}, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

// sleepBackoff waits an attempt-scaled, jittered interval before the next
// retry, or returns early when ctx is canceled.
func sleepBackoff(ctx context.Context, attempt int) error {
	backoff := retryBackoffBase << attempt
	backoff += time.Duration(rand.Int63n(int64(backoff)))
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// waveOnce is one attempt at the atomic read-modify-write: add from to the
// waver set, test mutuality, and when mutual ensure the chat — all inside
// a single pair transaction so concurrent waves from both sides serialize.
func (e *Engine) waveOnce(ctx context.Context, pairKey, from, to string) (Result, error) {
	var result Result
	err := e.store.WithinPair(ctx, pairKey, func(tx storage.PairTx) error {
		wave, ok, err := tx.Wave()
		if err != nil {
			return err
		}

		wavedBy := []string{from}
		if ok {
			if wave.Contains(from) {
				wavedBy = wave.WavedBy
			} else {
				wavedBy = append(append([]string(nil), wave.WavedBy...), from)
			}
		}
		mutual := containsBoth(wavedBy, from, to)

		if _, err := tx.PutWave(wavedBy, mutual); err != nil {
			return err
		}
		if !mutual {
			result = Result{Status: StatusWaved}
			return nil
		}

		if _, err := tx.EnsureChat([]string{from, to}); err != nil {
			return err
		}
		result = Result{Status: StatusChatReady, ChatID: pairKey}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func containsBoth(wavedBy []string, a, b string) bool {
	var hasA, hasB bool
	for _, waver := range wavedBy {
		if waver == a {
			hasA = true
		}
		if waver == b {
			hasB = true
		}
	}
	return hasA && hasB
}
