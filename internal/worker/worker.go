// Package worker consumes jobs from the broker and runs them on a bounded pool,
// publishing stream results and exactly one terminal result per job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"codecompass/internal/broker"
	"codecompass/internal/contextutil"
	"codecompass/internal/errs"
	"codecompass/internal/jobs"
)

// StreamFunc publishes one stream result for the current job.
type StreamFunc func(ctx context.Context, payload any) error

// Handler runs one command. It streams partial results through stream and
// returns the payload of the complete result.
type Handler interface {
	Handle(ctx context.Context, job jobs.Job, payload jobs.Payload, stream StreamFunc) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job jobs.Job, payload jobs.Payload, stream StreamFunc) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job jobs.Job, payload jobs.Payload, stream StreamFunc) (any, error) {
	return f(ctx, job, payload, stream)
}

// Options configures a Worker.
type Options struct {
	// Concurrency is the number of jobs processed at once.
	Concurrency int
	// QueueSize is the number of received jobs waiting for a free slot.
	QueueSize int
	// RecentJobs is how many job ids are remembered to drop duplicate deliveries.
	RecentJobs int
}

// Worker subscribes to jobs.PendingChannel and dispatches each job to the
// handler registered for its command.
type Worker struct {
	broker   broker.Broker
	handlers map[jobs.Command]Handler
	pool     *Pool
	serial   *serialQueue
	recent   *recentIDs
	handoffs sync.WaitGroup

	mu      sync.Mutex
	sub     broker.Subscription
	cancel  context.CancelFunc
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

// New creates a Worker publishing through b.
func New(b broker.Broker, opts Options) *Worker {
	return &Worker{
		broker:   b,
		handlers: make(map[jobs.Command]Handler),
		pool:     NewPool(opts.Concurrency, opts.QueueSize),
		serial:   newSerialQueue(),
		recent:   newRecentIDs(opts.RecentJobs),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register sets the handler for cmd. It must be called before Start.
func (w *Worker) Register(cmd jobs.Command, h Handler) {
	w.handlers[cmd] = h
}

// Start subscribes to the pending channel and begins processing. A failed
// subscription is returned as errs.ErrBrokerUnavailable.
func (w *Worker) Start(ctx context.Context) error {
	logger := contextutil.LoggerFromContext(ctx)

	sub, err := w.broker.Subscribe(ctx, jobs.PendingChannel)
	if err != nil {
		return errs.Wrap(errs.ErrBrokerUnavailable, fmt.Errorf("failed to subscribe to %s: %w", jobs.PendingChannel, err))
	}

	// Jobs are never cancelled once dispatched, so they outlive ctx.
	jobCtx := context.WithoutCancel(ctx)
	queueCtx, cancel := context.WithCancel(jobCtx)

	w.mu.Lock()
	w.sub = sub
	w.cancel = cancel
	w.mu.Unlock()

	w.pool.Start(jobCtx)
	go w.receiveLoop(jobCtx, queueCtx, sub)

	logger.InfoContext(ctx, "worker started", "channel", jobs.PendingChannel, "commands", len(w.handlers))
	return nil
}

// Stop stops receiving, finishes queued and running jobs, then returns. Index
// jobs still waiting for their project are failed.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	sub, cancel := w.sub, w.cancel
	w.mu.Unlock()

	close(w.stop)
	if sub != nil {
		// Unblocks a receive waiting on a full queue.
		cancel()
		_ = sub.Close()
		<-w.done
	}
	w.pool.Stop()
	w.handoffs.Wait()
}

func (w *Worker) receiveLoop(ctx, queueCtx context.Context, sub broker.Subscription) {
	defer close(w.done)
	logger := contextutil.LoggerFromContext(ctx)

	for {
		select {
		case <-w.stop:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				select {
				case <-w.stop:
				default:
					logger.ErrorContext(ctx, "pending job subscription closed unexpectedly")
				}
				return
			}
			w.receive(ctx, queueCtx, msg)
		}
	}
}

// receive decodes one envelope and queues it. Queueing blocks while the pool
// is saturated; the broker buffers behind it.
func (w *Worker) receive(ctx, queueCtx context.Context, msg []byte) {
	logger := contextutil.LoggerFromContext(ctx)

	job, err := jobs.DecodeJob(msg)
	if err != nil {
		if job.JobID == "" {
			logger.ErrorContext(ctx, "dropping undecodable job", "error", err, "size", len(msg))
			return
		}
		logger.WarnContext(ctx, "rejecting invalid job", "job_id", job.JobID, "error", err)
		newEmitter(w.broker, job.JobID).fail(ctx, err)
		return
	}

	if w.recent.Seen(job.JobID) {
		logger.WarnContext(ctx, "dropping duplicate job delivery", "job_id", job.JobID, "command", job.Command)
		return
	}

	// Clear-then-repopulate is not atomic, so index jobs for one project are
	// admitted to the pool one at a time.
	if job.Command == jobs.CommandIndex {
		key := projectKey(job.OwnerID, job.ProjectID)
		if !w.serial.admit(key, func() { w.enqueue(ctx, queueCtx, job, key) }) {
			logger.DebugContext(ctx, "index job waiting for project", "job_id", job.JobID, "project_id", job.ProjectID)
		}
		return
	}
	w.enqueue(ctx, queueCtx, job, "")
}

// enqueue submits job to the pool. A non-empty key is released to the next
// waiting job once job finishes or fails to queue.
func (w *Worker) enqueue(ctx, queueCtx context.Context, job jobs.Job, key string) {
	logger := contextutil.LoggerFromContext(ctx)

	err := w.pool.Submit(queueCtx, func(taskCtx context.Context) {
		if key != "" {
			defer w.handoff(key)
		}
		w.process(taskCtx, job)
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to queue job", "job_id", job.JobID, "error", err)
		newEmitter(w.broker, job.JobID).fail(ctx, fmt.Errorf("%w: worker is shutting down", errs.ErrHandlerFailure))
		if key != "" {
			w.handoff(key)
		}
		return
	}
	logger.DebugContext(ctx, "job queued", "job_id", job.JobID, "command", job.Command, "queued", w.pool.Queued())
}

// handoff starts the next job waiting on key. Submitting happens off the
// calling goroutine so a pool worker never blocks on its own queue.
func (w *Worker) handoff(key string) {
	next := w.serial.release(key)
	if next == nil {
		return
	}
	w.handoffs.Add(1)
	go func() {
		defer w.handoffs.Done()
		next()
	}()
}

// process runs job and publishes exactly one terminal result.
func (w *Worker) process(ctx context.Context, job jobs.Job) {
	ctx = contextutil.With(ctx,
		"job_id", job.JobID,
		"command", job.Command,
		"connection_id", job.ConnectionID,
		"owner_id", job.OwnerID,
		"project_id", job.ProjectID,
	)
	logger := contextutil.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "processing job")

	em := newEmitter(w.broker, job.JobID)
	out, err := w.dispatch(ctx, job, em)
	if err != nil {
		logger.ErrorContext(ctx, "job failed", "error", err, "streamed", em.streamed())
		em.fail(ctx, err)
		return
	}
	em.complete(ctx, out)
	logger.InfoContext(ctx, "job completed", "streamed", em.streamed())
}

func (w *Worker) dispatch(ctx context.Context, job jobs.Job, em *emitter) (any, error) {
	payload, err := jobs.DecodePayload(job.Command, job.Data)
	if err != nil {
		return nil, err
	}
	h, ok := w.handlers[job.Command]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownCommand, job.Command)
	}

	return invoke(ctx, h, job, payload, em.stream)
}

// invoke runs h, converting a panic or an unclassified failure into
// errs.ErrHandlerFailure.
func invoke(ctx context.Context, h Handler, job jobs.Job, payload jobs.Payload, stream StreamFunc) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "handler panicked", "panic", r, "stack", string(debug.Stack()))
			out = nil
			err = fmt.Errorf("%w: %v", errs.ErrHandlerFailure, r)
		}
	}()

	out, err = h.Handle(ctx, job, payload, stream)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, errs.ErrInvalidInput),
		errors.Is(err, errs.ErrRateLimited),
		errors.Is(err, errs.ErrUnknownCommand):
		return err
	}
	return errs.Wrap(errs.ErrHandlerFailure, err)
}
