package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"codecompass/internal/broker"
	"codecompass/internal/contextutil"
	"codecompass/internal/errs"
	"codecompass/internal/jobs"
)

var errTerminalSent = errors.New("terminal result already published")

// emitter publishes one job's results in order and refuses anything after
// the terminal result.
type emitter struct {
	broker  broker.Broker
	jobID   string
	channel string

	mu       sync.Mutex
	count    int
	terminal bool
}

func newEmitter(b broker.Broker, jobID string) *emitter {
	return &emitter{broker: b, jobID: jobID, channel: jobs.ResultChannel(jobID)}
}

func (e *emitter) stream(ctx context.Context, payload any) error {
	r, err := jobs.NewResult(e.jobID, jobs.ResultStream, payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return errTerminalSent
	}
	if err := e.publish(ctx, r); err != nil {
		return err
	}
	e.count++
	return nil
}

func (e *emitter) complete(ctx context.Context, payload any) {
	r, err := jobs.NewResult(e.jobID, jobs.ResultComplete, payload)
	if err != nil {
		e.fail(ctx, err)
		return
	}
	e.finish(ctx, r)
}

func (e *emitter) fail(ctx context.Context, err error) {
	e.finish(ctx, jobs.NewErrorResult(e.jobID, err))
}

func (e *emitter) finish(ctx context.Context, r jobs.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return
	}
	e.terminal = true
	if err := e.publish(ctx, r); err != nil {
		contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to publish terminal result",
			"job_id", e.jobID, "type", r.Type, "error", err)
	}
}

func (e *emitter) publish(ctx context.Context, r jobs.Result) error {
	raw, err := jobs.EncodeResult(r)
	if err != nil {
		return fmt.Errorf("failed to encode %s result: %w", r.Type, err)
	}
	if err := e.broker.Publish(ctx, e.channel, raw); err != nil {
		return errs.Wrap(errs.ErrBrokerUnavailable, err)
	}
	return nil
}

func (e *emitter) streamed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}
