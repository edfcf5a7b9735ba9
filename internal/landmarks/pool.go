package landmarks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/livekyc/internal/logger"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("landmark pool closed")

// Factory builds one extractor. id is the slot number, useful for logs.
type Factory func(id int) (Extractor, error)

// Pool owns a fixed set of extractors, one per worker, reused across
// invocations. Extractors must be comparable, in practice pointers.
type Pool struct {
	factory Factory
	slots   chan Extractor
	all     []Extractor
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

// NewPool starts size extractors. If any fails to start, the ones already
// running are closed.
func NewPool(size int, factory Factory) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	p := &Pool{factory: factory, slots: make(chan Extractor, size), done: make(chan struct{})}
	for i := 0; i < size; i++ {
		e, err := factory(i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("landmark extractor %d failed to start: %w", i, err)
		}
		p.all = append(p.all, e)
		p.slots <- e
	}
	return p, nil
}

// Acquire blocks until an extractor is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (Extractor, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}
	select {
	case e := <-p.slots:
		return e, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release hands e back to the pool. A Breakable extractor that reports
// itself broken is closed and replaced with a fresh one from the factory.
func (p *Pool) Release(e Extractor) {
	if b, ok := e.(Breakable); ok && b.Broken() {
		e = p.replace(e)
	}
	p.slots <- e
}

// replace swaps a broken extractor for a new one in the same slot. If the
// factory fails the broken one is kept, it refuses work and the next
// Release tries again.
func (p *Pool) replace(old Extractor) Extractor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return old
	}
	slot := -1
	for i, e := range p.all {
		if e == old {
			slot = i
			break
		}
	}
	if slot < 0 {
		return old
	}

	if err := old.Close(); err != nil {
		logger.Warning("failed to close broken landmark extractor", logger.LoggerOptions{Key: "slot", Data: slot}, logger.LoggerOptions{Key: "error", Data: err})
	}
	fresh, err := p.factory(slot)
	if err != nil {
		logger.Error("failed to restart landmark extractor", logger.LoggerOptions{Key: "slot", Data: slot}, logger.LoggerOptions{Key: "error", Data: err})
		return old
	}
	logger.Info("landmark extractor restarted", logger.LoggerOptions{Key: "slot", Data: slot})
	p.all[slot] = fresh
	return fresh
}

// Size is the number of extractors owned by the pool.
func (p *Pool) Size() int { return len(p.all) }

// Detect runs one detection on a pooled extractor. It lets a Pool stand in
// wherever a single Extractor is expected.
func (p *Pool) Detect(ctx context.Context, frame []byte) ([]Face, error) {
	e, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(e)
	return e.Detect(ctx, frame)
}

// Close shuts every extractor down. It is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)

	var errs []error
	for i, e := range p.all {
		if err := e.Close(); err != nil {
			logger.Warning("failed to close landmark extractor", logger.LoggerOptions{Key: "slot", Data: i}, logger.LoggerOptions{Key: "error", Data: err})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
