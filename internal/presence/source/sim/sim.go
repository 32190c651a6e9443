// Package sim provides a simulated position source that random-walks around
// a starting coordinate. It backs the load simulator and tests.
package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/nearwave/nearwave/internal/presence/source"
)

// Config tunes a simulated walker.
type Config struct {
	// Start is the initial coordinate. Defaults to central Ulaanbaatar,
	// matching the product's sentinel location.
	StartLat float64
	StartLng float64
	// StepDegrees is the maximum per-sample movement on each axis.
	StepDegrees float64
	// Interval between emitted samples.
	Interval time.Duration
	// Accuracy reported on every sample, in meters.
	Accuracy float64
	// Rand is the randomness used for the walk; defaults to a time-seeded
	// generator.
	Rand *rand.Rand
}

const (
	defaultStartLat = 47.918
	defaultStartLng = 106.917
	defaultStep     = 0.0004
	defaultInterval = time.Second
	defaultAccuracy = 15
)

// Walker emits a random-walk position stream.
type Walker struct {
	mu   sync.Mutex
	cfg  Config
	lat  float64
	lng  float64
	rand *rand.Rand
}

// New creates a walker from cfg, filling in defaults for zero values.
func New(cfg Config) *Walker {
	if cfg.StartLat == 0 && cfg.StartLng == 0 {
		cfg.StartLat = defaultStartLat
		cfg.StartLng = defaultStartLng
	}
	if cfg.StepDegrees <= 0 {
		cfg.StepDegrees = defaultStep
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Accuracy <= 0 {
		cfg.Accuracy = defaultAccuracy
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Walker{cfg: cfg, lat: cfg.StartLat, lng: cfg.StartLng, rand: rng}
}

func (w *Walker) step() source.Position {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lat += (w.rand.Float64()*2 - 1) * w.cfg.StepDegrees
	w.lng += (w.rand.Float64()*2 - 1) * w.cfg.StepDegrees
	return source.Position{
		Lat:      w.lat,
		Lng:      w.lng,
		Accuracy: w.cfg.Accuracy,
		Time:     time.Now().UTC(),
	}
}

// GetOnce returns the walker's next position immediately.
func (w *Walker) GetOnce(ctx context.Context, opts source.Options) (source.Position, error) {
	if err := ctx.Err(); err != nil {
		return source.Position{}, err
	}
	return w.step(), nil
}

// Watch emits a sample every configured interval until cancelled.
func (w *Walker) Watch(ctx context.Context, opts source.Options, onSample func(source.Position), onError func(error)) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				onSample(w.step())
			}
		}
	}()
	return cancel, nil
}
