package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"codecompass/internal/contextutil"
)

// ErrPoolStopped is returned by Submit once Stop has been called.
var ErrPoolStopped = errors.New("worker pool stopped")

// Task is one unit of work run by the pool.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
// Submit blocks while the queue is full.
type Pool struct {
	numWorkers int
	queue      chan Task
	quit       chan struct{}

	mu      sync.RWMutex
	started bool
	stopped bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool creates a pool of numWorkers goroutines with room for queueSize
// waiting tasks.
func NewPool(numWorkers, queueSize int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		numWorkers: numWorkers,
		queue:      make(chan Task, queueSize),
		quit:       make(chan struct{}),
	}
}

// Start launches the workers. Tasks run with ctx; cancelling it does not stop
// the workers, Stop does.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "starting worker pool", "num_workers", p.numWorkers, "queue_size", cap(p.queue))
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit queues task. It blocks while the queue is full and fails when ctx
// is done or the pool is stopped.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- task:
		return nil
	case <-p.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new tasks, runs everything already queued and waits for the
// workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)

		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()

		p.wg.Wait()
		slog.Info("worker pool stopped")
	})
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.queue)
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	logger := contextutil.LoggerFromContext(ctx)

	logger.DebugContext(ctx, "worker started", "worker_id", workerID)
	for task := range p.queue {
		p.run(ctx, workerID, task)
	}
	logger.DebugContext(ctx, "worker stopping", "worker_id", workerID)
}

func (p *Pool) run(ctx context.Context, workerID int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "task panicked", "worker_id", workerID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(ctx)
}
