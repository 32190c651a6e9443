package source

import (
	"context"
	"sync"
)

// Push is a Source fed by an external producer, typically a transport that
// receives raw samples from a remote device. It decouples the presence
// writer from any particular wire; the websocket edge and the MQTT beacon
// ingest both feed one Push per session.
type Push struct {
	mu       sync.Mutex
	closed   bool
	first    chan Position
	firstSet bool
	onSample func(Position)
	onError  func(error)
}

// NewPush creates an empty push source.
func NewPush() *Push {
	return &Push{first: make(chan Position, 1)}
}

// Offer delivers one sample to the source. Samples offered before a watch
// is installed still satisfy a pending GetOnce.
func (p *Push) Offer(pos Position) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if !p.firstSet {
		p.firstSet = true
		p.first <- pos
	}
	onSample := p.onSample
	p.mu.Unlock()

	if onSample != nil {
		onSample(pos)
	}
}

// Fail delivers one transient sample error to the source.
func (p *Push) Fail(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	onError := p.onError
	p.mu.Unlock()

	if onError != nil && err != nil {
		onError(err)
	}
}

// Close stops the source permanently. A pending GetOnce fails with
// ErrUnavailable unless a sample already arrived.
func (p *Push) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.onSample = nil
	p.onError = nil
	if !p.firstSet {
		p.firstSet = true
		close(p.first)
	}
	p.mu.Unlock()
}

// GetOnce waits for the first offered sample.
func (p *Push) GetOnce(ctx context.Context, opts Options) (Position, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	select {
	case pos, ok := <-p.first:
		if !ok {
			return Position{}, ErrUnavailable
		}
		// Keep the sample available for a later GetOnce call.
		p.first <- pos
		return pos, nil
	case <-ctx.Done():
		return Position{}, ctx.Err()
	}
}

// Watch installs the sample and error callbacks. Only one watch is
// supported per push source.
func (p *Push) Watch(ctx context.Context, opts Options, onSample func(Position), onError func(error)) (func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrUnavailable
	}
	p.onSample = onSample
	p.onError = onError
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		p.onSample = nil
		p.onError = nil
		p.mu.Unlock()
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return cancel, nil
}
