package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolStopped is returned when a job is submitted after the pool shut down.
var ErrPoolStopped = errors.New("worker pool stopped")

// Pool is a bounded worker pool for host requests routed to plugins
type Pool struct {
	workerCount int
	poolName    string // For logging

	jobChan chan job
	stopped chan struct{}
	once    sync.Once
}

// job is one queued call with its reply channel
type job struct {
	ctx     context.Context
	fn      func(ctx context.Context) (any, error)
	replyCh chan result
}

type result struct {
	value any
	err   error
}

// NewPool creates a new worker pool
func NewPool(workerCount int, poolName string, bufferSize int) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Pool{
		workerCount: workerCount,
		poolName:    poolName,
		jobChan:     make(chan job, bufferSize),
		stopped:     make(chan struct{}),
	}
}

// Start begins the worker pool (call once at startup)
func (p *Pool) Start(ctx context.Context) {
	slog.Info("Starting worker pool", "component", p.poolName, "worker_count", p.workerCount)

	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go p.worker(ctx, i, &wg)
	}

	// Wait for all workers to finish when context is done
	go func() {
		wg.Wait()
		p.once.Do(func() { close(p.stopped) })
		slog.Info("All workers stopped", "component", p.poolName)
	}()
}

// worker processes jobs continuously
func (p *Pool) worker(ctx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()
	slog.Debug("Worker started", "component", p.poolName, "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Worker stopping", "component", p.poolName, "worker_id", id)
			return

		case j := <-p.jobChan:
			if err := j.ctx.Err(); err != nil {
				j.replyCh <- result{err: err}
				continue
			}
			v, err := j.fn(j.ctx)
			j.replyCh <- result{value: v, err: err}
		}
	}
}

// submit queues fn and waits for its result, the caller's context, or pool shutdown.
func (p *Pool) submit(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	j := job{ctx: ctx, fn: fn, replyCh: make(chan result, 1)}

	select {
	case p.jobChan <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopped:
		return nil, ErrPoolStopped
	}

	select {
	case r := <-j.replyCh:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopped:
		return nil, ErrPoolStopped
	}
}

// Do runs fn on the pool and returns its typed result. A nil pool runs fn inline.
func Do[R any](ctx context.Context, p *Pool, fn func(ctx context.Context) (R, error)) (R, error) {
	if p == nil {
		return fn(ctx)
	}
	v, err := p.submit(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	var zero R
	if v == nil {
		return zero, err
	}
	return v.(R), err
}
