package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a point-in-time snapshot of pool activity.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many executions run concurrently. The scheduler and
// any other background trigger submit through it so a burst of due jobs
// cannot spawn unbounded concurrent workflow runs.
type WorkerPool struct {
	slots chan struct{}
	quit  chan struct{}

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool running at most size tasks at once.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		quit:  make(chan struct{}),
	}
}

// Submit hands fn to the pool. At capacity it blocks until a slot frees, the
// context is cancelled, or the pool shuts down. Panics inside fn are
// recovered and counted; they never take the pool down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolShutdown
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolShutdown
	}

	// Shutdown may have won the race while we waited for a slot. The wg.Add
	// has to happen under the same lock Shutdown checks, or Wait could return
	// with this task still pending.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go p.runTask(ctx, fn)
	return nil
}

func (p *WorkerPool) runTask(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
}

// Wait blocks until every submitted task has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for in-flight tasks. Safe to
// call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics reports current pool activity.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
