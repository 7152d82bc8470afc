// Package gateway routes client requests onto the job broker and relays each
// job's results back to the connection that submitted it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"codecompass/internal/broker"
	"codecompass/internal/contextutil"
	"codecompass/internal/errs"
	"codecompass/internal/jobs"
)

// ErrJobTimeout is reported to the client when no terminal result arrives
// within the configured deadline.
var ErrJobTimeout = errors.New("job result timeout")

// Sender delivers messages to one client connection.
type Sender interface {
	Send(ctx context.Context, msg jobs.ClientMessage) error
}

// Connection is one registered client connection.
type Connection struct {
	ID          string
	OwnerID     string
	ConnectedAt time.Time

	sender Sender
	closed atomic.Bool
}

// Open reports whether the connection is still registered.
func (c *Connection) Open() bool {
	return !c.closed.Load()
}

// deliver sends msg unless the connection has closed. Messages for a closed
// connection are dropped.
func (c *Connection) deliver(ctx context.Context, msg jobs.ClientMessage) {
	logger := contextutil.LoggerFromContext(ctx)
	if c.closed.Load() {
		logger.DebugContext(ctx, "dropping message for closed connection", "type", msg.Type)
		return
	}
	if err := c.sender.Send(ctx, msg); err != nil {
		logger.WarnContext(ctx, "failed to send message to client", "type", msg.Type, "error", errs.Wrap(errs.ErrConnection, err))
	}
}

// Options configures a Gateway.
type Options struct {
	// ResultTimeout bounds the wait for a job's terminal result. Zero waits forever.
	ResultTimeout time.Duration
}

// Gateway holds the connection table and the per-job relays.
type Gateway struct {
	broker        broker.Broker
	resultTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*Connection

	relays sync.WaitGroup
}

// New creates a Gateway publishing jobs through b.
func New(b broker.Broker, opts Options) *Gateway {
	return &Gateway{
		broker:        b,
		resultTimeout: opts.ResultTimeout,
		conns:         make(map[string]*Connection),
	}
}

// Connect registers a connection for ownerID and assigns it an id.
func (g *Gateway) Connect(ctx context.Context, ownerID string, sender Sender) *Connection {
	c := &Connection{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		ConnectedAt: time.Now(),
		sender:      sender,
	}

	g.mu.Lock()
	g.conns[c.ID] = c
	total := len(g.conns)
	g.mu.Unlock()

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "connection opened",
		"connection_id", c.ID, "owner_id", ownerID, "connections", total)
	return c
}

// Disconnect removes the connection. Its in-flight jobs keep running; their
// results are dropped.
func (g *Gateway) Disconnect(ctx context.Context, connectionID string) {
	g.mu.Lock()
	c, ok := g.conns[connectionID]
	delete(g.conns, connectionID)
	total := len(g.conns)
	g.mu.Unlock()

	if !ok {
		return
	}
	c.closed.Store(true)
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "connection closed",
		"connection_id", connectionID, "connections", total, "duration", time.Since(c.ConnectedAt))
}

// Connection returns the registered connection with id.
func (g *Gateway) Connection(id string) (*Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[id]
	return c, ok
}

// Connections returns the number of registered connections.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Submit turns req into a job for the connection and starts relaying its
// results. Failures before the job reaches the broker are also sent to the
// client as an error message.
func (g *Gateway) Submit(ctx context.Context, connectionID string, req jobs.ClientRequest) (string, error) {
	c, ok := g.Connection(connectionID)
	if !ok {
		return "", fmt.Errorf("%w: unknown connection %s", errs.ErrConnection, connectionID)
	}

	jobID := uuid.NewString()
	ctx = contextutil.With(ctx, "job_id", jobID, "command", req.Command, "connection_id", connectionID)
	logger := contextutil.LoggerFromContext(ctx)

	if err := jobs.Validate(req); err != nil {
		logger.WarnContext(ctx, "rejecting invalid request", "error", err)
		c.deliver(ctx, jobs.ClientErrorMessage(jobID, err))
		return jobID, err
	}

	raw, err := jobs.EncodeJob(jobs.Job{
		JobID:        jobID,
		ConnectionID: connectionID,
		OwnerID:      c.OwnerID,
		ProjectID:    req.ProjectID,
		Command:      req.Command,
		Data:         req.Data,
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to encode job", "error", err)
		c.deliver(ctx, jobs.ClientErrorMessage(jobID, err))
		return jobID, err
	}

	// Subscribe first so no result published by a fast worker is missed.
	sub, err := g.broker.Subscribe(ctx, jobs.ResultChannel(jobID))
	if err != nil {
		err = errs.Wrap(errs.ErrBrokerUnavailable, err)
		logger.ErrorContext(ctx, "failed to subscribe to job results", "error", err)
		c.deliver(ctx, jobs.ClientErrorMessage(jobID, err))
		return jobID, err
	}

	if err := g.broker.Publish(ctx, jobs.PendingChannel, raw); err != nil {
		_ = sub.Close()
		err = errs.Wrap(errs.ErrBrokerUnavailable, err)
		logger.ErrorContext(ctx, "failed to publish job", "error", err)
		c.deliver(ctx, jobs.ClientErrorMessage(jobID, err))
		return jobID, err
	}

	logger.InfoContext(ctx, "job submitted", "project_id", req.ProjectID)

	g.relays.Add(1)
	go g.relay(context.WithoutCancel(ctx), c, sub)
	return jobID, nil
}

// relay forwards results for the job named by sub's channel to c until the terminal result, the
// timeout, or the subscription closing.
func (g *Gateway) relay(ctx context.Context, c *Connection, sub broker.Subscription) {
	defer g.relays.Done()
	defer func() {
		_ = sub.Close()
	}()
	logger := contextutil.LoggerFromContext(ctx)

	jobID, ok := jobs.JobIDFromChannel(sub.Channel())
	if !ok {
		logger.ErrorContext(ctx, "relay started on a non-result channel", "channel", sub.Channel())
		return
	}

	var timeout <-chan time.Time
	if g.resultTimeout > 0 {
		t := time.NewTimer(g.resultTimeout)
		defer t.Stop()
		timeout = t.C
	}

	forwarded := 0
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				logger.ErrorContext(ctx, "result subscription closed before terminal result", "forwarded", forwarded)
				c.deliver(ctx, jobs.ClientErrorMessage(jobID,
					fmt.Errorf("%w: result stream ended before the job finished", errs.ErrBrokerUnavailable)))
				return
			}
			r, err := jobs.DecodeResult(msg)
			if err != nil {
				logger.WarnContext(ctx, "skipping undecodable result", "error", err)
				continue
			}
			if r.JobID != jobID {
				logger.WarnContext(ctx, "skipping result for another job", "result_job_id", r.JobID)
				continue
			}

			c.deliver(ctx, jobs.ToClientMessage(r))
			forwarded++
			logger.DebugContext(ctx, "relayed result", "type", r.Type, "lag", time.Since(r.EmittedAt()))
			if r.Type.Terminal() {
				logger.InfoContext(ctx, "job finished", "type", r.Type, "forwarded", forwarded, "connection_open", c.Open())
				return
			}
		case <-timeout:
			logger.WarnContext(ctx, "job timed out waiting for results", "timeout", g.resultTimeout, "forwarded", forwarded)
			c.deliver(ctx, jobs.ClientErrorMessage(jobID,
				fmt.Errorf("%w: no result within %s", ErrJobTimeout, g.resultTimeout)))
			return
		}
	}
}

// Wait blocks until every relay has finished.
func (g *Gateway) Wait() {
	g.relays.Wait()
}
