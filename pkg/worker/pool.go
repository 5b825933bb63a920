package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks run pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Grown     int64 `json:"grown"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("run pool is shut down")

// runPool is a bounded goroutine pool for concurrent run execution.
// Permits are tokens in a buffered channel: acquiring receives a token,
// releasing sends it back. The channel carries headroom so Grow can issue
// spare tokens when a cancelled run refuses to give its slot back.
type runPool struct {
	tokens  chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	size    int
	spares  int // compensation tokens issued and not yet discharged
}

// newRunPool creates a pool with the given max concurrency.
func newRunPool(size int) *runPool {
	if size <= 0 {
		size = 1
	}
	tokens := make(chan struct{}, 2*size)
	for i := 0; i < size; i++ {
		tokens <- struct{}{}
	}
	return &runPool{
		tokens: tokens,
		done:   make(chan struct{}),
		size:   size,
	}
}

// Submit enqueues work into the pool. It blocks if the pool is at capacity
// (backpressure) and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *runPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.submit(ctx, fn, nil)
}

// submit is Submit with a leak hook: when fn finishes, leaked reports
// whether a spare token was issued on this run's behalf, in which case
// the run's own token is discharged instead of returned.
func (p *runPool) submit(ctx context.Context, fn func(ctx context.Context) error, leaked func() bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	// Acquire a token, respecting context cancellation and shutdown.
	select {
	case <-p.tokens:
		// Token acquired.
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the token, in case Shutdown raced.
	// wg.Add(1) MUST be inside the lock to prevent race with Shutdown's wg.Wait().
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.tokens <- struct{}{} // return token
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			if leaked != nil && leaked() {
				p.discharge()
			} else {
				p.tokens <- struct{}{} // release token
			}
			p.wg.Done()
		}()

		err := fn(ctx)
		if err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Grow issues one spare token so a new run can start while a cancelled
// run still squats on its slot. Bounded: at most size spares may be
// outstanding, so total concurrency never exceeds 2*size. Returns false
// when the bound is hit or the pool is shut down.
func (p *runPool) Grow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.spares >= p.size {
		return false
	}
	select {
	case p.tokens <- struct{}{}:
		p.spares++
		atomic.AddInt64(&p.metrics.Grown, 1)
		return true
	default:
		return false
	}
}

// discharge swallows a token instead of returning it, paying back one
// outstanding spare. Called when a run whose slot was compensated finally
// finishes.
func (p *runPool) discharge() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.spares > 0 {
		p.spares--
		return
	}
	// No spare outstanding: behave like a normal release.
	p.tokens <- struct{}{}
}

// Wait blocks until all submitted work completes.
func (p *runPool) Wait() {
	p.wg.Wait()
}

// Shutdown gracefully stops the pool. It prevents new submissions and waits
// for all active work to complete.
func (p *runPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *runPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Grown:     atomic.LoadInt64(&p.metrics.Grown),
	}
}
