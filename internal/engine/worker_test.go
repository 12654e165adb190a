package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPool builds a pool and makes sure it drains before the test exits.
func newPool(t *testing.T, size int) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(size)
	t.Cleanup(pool.Shutdown)
	return pool
}

func TestWorkerPoolRunsSubmittedWork(t *testing.T) {
	pool := newPool(t, 2)

	var launched atomic.Int64
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		launched.Add(1)
		return nil
	}))
	pool.Wait()

	assert.EqualValues(t, 1, launched.Load())
	assert.EqualValues(t, 1, pool.Metrics().Completed)
}

func TestWorkerPoolCapsConcurrentRuns(t *testing.T) {
	const size = 3
	pool := newPool(t, size)

	var mu sync.Mutex
	current, peak := 0, 0

	for range 10 {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, size, "concurrent runs exceeded the pool cap")
	assert.NotZero(t, peak, "no concurrent execution observed")
}

func TestWorkerPoolBackpressure(t *testing.T) {
	pool := newPool(t, 1)

	hold := make(chan struct{})
	running := make(chan struct{})

	// Occupy the single slot.
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(running)
		<-hold
		return nil
	}))
	<-running

	// With the only slot held, the next Submit must park.
	parked := make(chan error, 1)
	go func() {
		parked <- pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	}()

	select {
	case <-parked:
		t.Fatal("submit returned while the pool was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(hold)

	select {
	case err := <-parked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submit stayed blocked after a slot freed up")
	}

	pool.Wait()
}

func TestWorkerPoolRecoversFromPanic(t *testing.T) {
	pool := newPool(t, 2)

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.EqualValues(t, 1, m.Panics)
	assert.EqualValues(t, 1, m.Failed)

	// The pool keeps accepting work after a panic.
	var launched atomic.Int64
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		launched.Add(1)
		return nil
	}))
	pool.Wait()

	assert.EqualValues(t, 1, launched.Load())
}

func TestWorkerPoolSubmitHonorsContext(t *testing.T) {
	pool := newPool(t, 1)

	hold := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-hold
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	parked := make(chan error, 1)
	go func() {
		parked <- pool.Submit(ctx, func(ctx context.Context) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-parked:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit did not return after cancellation")
	}

	close(hold)
	pool.Wait()
}

func TestWorkerPoolShutdownDrains(t *testing.T) {
	pool := NewWorkerPool(2)

	var finished atomic.Int64
	for range 5 {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			finished.Add(1)
			return nil
		}))
	}

	pool.Shutdown()

	assert.EqualValues(t, 5, finished.Load())
}

func TestWorkerPoolRejectsAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPoolMetrics(t *testing.T) {
	pool := newPool(t, 4)

	refused := errors.New("launch refused")
	for range 3 {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return nil }))
	}
	for range 2 {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return refused }))
	}
	pool.Wait()

	m := pool.Metrics()
	assert.EqualValues(t, 3, m.Completed)
	assert.EqualValues(t, 2, m.Failed)
	assert.Zero(t, m.Active)
}

func TestWorkerPoolHighFanIn(t *testing.T) {
	pool := newPool(t, 10)

	const jobs = 50
	var finished atomic.Int64
	for range jobs {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			finished.Add(1)
			return nil
		}))
	}
	pool.Wait()

	assert.EqualValues(t, jobs, finished.Load())
	assert.EqualValues(t, jobs, pool.Metrics().Completed)
}

func TestWorkerPoolDoubleShutdown(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()
	pool.Shutdown() // idempotent
}
