// Package scheduler paces outbound calls to external services. A Scheduler
// dispatches queued tasks in FIFO order with a minimum spacing between
// dispatch starts; a Retrier wraps scheduled calls with throttle-aware backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"codecompass/internal/contextutil"
)

// ErrClosed rejects tasks scheduled on, or still queued in, a closed Scheduler.
var ErrClosed = errors.New("scheduler closed")

// State is the drain state of a Scheduler.
type State int

const (
	// StateIdle means the queue is empty and no drain loop runs.
	StateIdle State = iota
	// StateDraining means a drain loop is dispatching queued tasks.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Task is a unit of scheduled work.
type Task func(ctx context.Context) (any, error)

// Future resolves with a task's result once it has run.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(val any, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the task finishes or ctx is done.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type entry struct {
	ctx      context.Context
	label    string
	task     Task
	future   *Future
	enqueued time.Time
}

// Scheduler dispatches tasks strictly in submission order, starting at most
// one task per interval. Dispatched tasks run concurrently; a slow or failing
// task does not delay the next dispatch.
type Scheduler struct {
	name     string
	interval time.Duration
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []*entry
	state  State
	closed bool

	running sync.WaitGroup
}

// New creates a Scheduler allowing requestsPerMinute dispatches per minute.
func New(name string, requestsPerMinute int) (*Scheduler, error) {
	if requestsPerMinute <= 0 {
		return nil, fmt.Errorf("requests per minute must be positive, got %d", requestsPerMinute)
	}
	return NewWithInterval(name, time.Minute/time.Duration(requestsPerMinute)), nil
}

// NewWithInterval creates a Scheduler with an explicit dispatch spacing.
func NewWithInterval(name string, interval time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		name:     name,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Interval is the minimum spacing between dispatch starts.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// State reports whether the drain loop is active.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of queued, undispatched tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Schedule enqueues task. The task receives ctx when dispatched; if ctx is
// done before dispatch the task is skipped and the future resolves with
// ctx's error.
func (s *Scheduler) Schedule(ctx context.Context, label string, task Task) *Future {
	f := newFuture()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		f.resolve(nil, ErrClosed)
		return f
	}

	s.queue = append(s.queue, &entry{
		ctx:      ctx,
		label:    label,
		task:     task,
		future:   f,
		enqueued: time.Now(),
	})
	if s.state == StateIdle {
		s.state = StateDraining
		go s.drain()
	}
	return f
}

// next pops the head entry, or returns nil and goes idle when the queue is
// empty. Entries whose context is already done are resolved and skipped.
func (s *Scheduler) next(peek bool) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		e := s.queue[0]
		if err := e.ctx.Err(); err != nil {
			s.queue[0] = nil
			s.queue = s.queue[1:]
			e.future.resolve(nil, err)
			continue
		}
		if !peek {
			s.queue[0] = nil
			s.queue = s.queue[1:]
		}
		return e
	}
	s.state = StateIdle
	return nil
}

func (s *Scheduler) drain() {
	for {
		if s.next(true) == nil {
			return
		}
		if err := s.limiter.Wait(s.ctx); err != nil {
			// Close cancelled the wait and emptied the queue.
			s.mu.Lock()
			s.state = StateIdle
			s.mu.Unlock()
			return
		}
		e := s.next(false)
		if e == nil {
			return
		}

		s.running.Add(1)
		go s.run(e)
	}
}

func (s *Scheduler) run(e *entry) {
	defer s.running.Done()
	logger := contextutil.LoggerFromContext(e.ctx)
	logger.DebugContext(e.ctx, "dispatching scheduled task",
		"scheduler", s.name, "label", e.label, "queued_for", time.Since(e.enqueued))

	var (
		val any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("scheduled task %s panicked: %v", e.label, r)
			}
		}()
		val, err = e.task(e.ctx)
	}()
	e.future.resolve(val, err)
}

// Close rejects queued tasks with ErrClosed and stops the drain loop.
// Tasks already dispatched run to completion; Close waits for them.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	for _, e := range queued {
		e.future.resolve(nil, ErrClosed)
	}
	s.running.Wait()
	return nil
}

// Do schedules fn and waits for its typed result.
func Do[T any](ctx context.Context, s *Scheduler, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := s.Schedule(ctx, label, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}).Await(ctx)
	if err != nil {
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// Call schedules fn under r's retry policy: each attempt waits its turn in
// the queue again.
func Call[T any](ctx context.Context, s *Scheduler, r *Retrier, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, label, func(ctx context.Context) error {
		v, err := Do(ctx, s, label, fn)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
