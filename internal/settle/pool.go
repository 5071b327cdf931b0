package settle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool errors.
var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrQueueFull  = errors.New("worker pool queue is full")
)

// Job is a unit of background work. ctx is canceled when the pool is
// stopped past its drain deadline.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed set of workers fed by a bounded queue. Delayed
// jobs are held by timers until they are due.
type Pool struct {
	queue  chan Job
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool

	workers   sync.WaitGroup
	closeOnce sync.Once
}

// NewPool starts workers goroutines with a queue of queueSize.
func NewPool(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Job, queueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.workers.Done()
	for job := range p.queue {
		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("settle job panicked", zap.Any("panic", r))
		}
	}()
	job(p.ctx)
}

// Submit enqueues job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Schedule submits job after delay. A job that comes due while the queue is
// full is dropped and logged.
func (p *Pool) Schedule(delay time.Duration, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		p.mu.Unlock()
		if err := p.Submit(job); err != nil {
			p.logger.Warn("dropping delayed settle job", zap.Error(err))
		}
	})
	p.timers[t] = struct{}{}
	return nil
}

// Pending returns the number of delayed jobs not yet due plus queued jobs.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers) + len(p.queue)
}

// Stop cancels delayed jobs that are not yet due, stops accepting work and
// waits for queued jobs to drain. When ctx expires first, running jobs are
// canceled and Stop returns ctx.Err().
func (p *Pool) Stop(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for t := range p.timers {
			t.Stop()
		}
		p.timers = map[*time.Timer]struct{}{}
		close(p.queue)
		p.mu.Unlock()
		go func() {
			p.workers.Wait()
			close(p.done)
		}()
	})
	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
