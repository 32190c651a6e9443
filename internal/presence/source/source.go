// Package source abstracts the platform primitive that samples positions.
//
// A source produces a lazy, infinite, non-restartable sequence of position
// samples. Consumers never poll; they react to samples and errors as the
// source delivers them.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable indicates the device has no location capability at all.
// It is terminal for the session's writer.
var ErrUnavailable = errors.New("position source unavailable")

// SampleError is a transient per-sample failure. It does not halt the watch.
type SampleError struct {
	Code int
	Err  error
}

func (e *SampleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("position sample failed (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("position sample failed (code %d)", e.Code)
}

func (e *SampleError) Unwrap() error { return e.Err }

// ErrorCode extracts the sample error code, or -1 when err is not a
// SampleError.
func ErrorCode(err error) int {
	var sampleErr *SampleError
	if errors.As(err, &sampleErr) {
		return sampleErr.Code
	}
	return -1
}

// Position is one sensor sample.
type Position struct {
	Lat      float64
	Lng      float64
	Accuracy float64
	Heading  *float64
	Speed    *float64
	Time     time.Time
}

// Options tune how a source acquires samples.
type Options struct {
	// HighAccuracy requests the most precise fix available.
	HighAccuracy bool
	// Timeout bounds how long a single acquisition may take.
	Timeout time.Duration
	// MaxAge allows a cached sample no older than this; zero demands fresh.
	MaxAge time.Duration
}

// Source samples positions one-shot or continuously.
type Source interface {
	// GetOnce acquires a single fix, blocking until a sample arrives, the
	// options timeout elapses, or ctx is cancelled.
	GetOnce(ctx context.Context, opts Options) (Position, error)
	// Watch streams samples to onSample and transient failures to onError
	// until the returned cancel function runs or ctx is cancelled. A watch
	// cannot be restarted after cancellation.
	Watch(ctx context.Context, opts Options, onSample func(Position), onError func(error)) (cancel func(), err error)
}
