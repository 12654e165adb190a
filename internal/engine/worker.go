package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of the pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool is a bounded goroutine pool. Runs are single-threaded
// internally; the pool caps how many runs execute at once when the
// scheduler or a server surface launches them concurrently.
type WorkerPool struct {
	sem  chan struct{}
	wg   sync.WaitGroup
	done chan struct{}

	mu     sync.Mutex
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool that runs at most size functions at once.
// Sizes below one are clamped to one.
func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{
		sem:  make(chan struct{}, max(size, 1)),
		done: make(chan struct{}),
	}
}

// Submit hands fn to the pool. It blocks while the pool is at capacity,
// honoring ctx while it waits, and returns ErrPoolShutdown once Shutdown
// has begun.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Shutdown may have started while we waited for the slot. The wg.Add
	// happens under the lock so it cannot race Shutdown's wg.Wait.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go p.work(ctx, fn)
	return nil
}

func (p *WorkerPool) work(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		<-p.sem
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
}

// Wait blocks until every submitted function has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects further submissions and drains in-flight work. It is
// safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics reports the pool counters at this instant.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
