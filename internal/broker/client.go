package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codecompass/internal/contextutil"
	"codecompass/internal/errs"
)

const writeTimeout = 10 * time.Second

// Client is a Broker backed by a relay Server over one websocket connection.
// Local subscriptions on the same channel share one relay subscription; on a
// queue channel each relayed message goes to one of them.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	queues  map[string]bool

	mu     sync.Mutex
	subs   map[string]*subscriberSet
	closed bool
	err    error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a relay server at url (ws:// or wss://). queues names the
// channels the relay treats as queues.
func Dial(ctx context.Context, url string, queues ...string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, errs.Wrap(errs.ErrBrokerUnavailable, fmt.Errorf("failed to dial broker %s: %w", url, err))
	}

	c := &Client{
		conn:   conn,
		queues: queueSet(queues),
		subs:   make(map[string]*subscriberSet),
		done:   make(chan struct{}),
	}
	go c.readLoop(contextutil.WithLogger(context.Background(), contextutil.LoggerFromContext(ctx)))
	return c, nil
}

func (c *Client) write(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.ErrBrokerUnavailable, err)
	}

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return errs.Wrap(errs.ErrBrokerUnavailable, err)
	}
	c.mu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(f); err != nil {
		return errs.Wrap(errs.ErrBrokerUnavailable, fmt.Errorf("failed to write %s frame: %w", f.Op, err))
	}
	return nil
}

// Publish sends msg to channel through the relay.
func (c *Client) Publish(ctx context.Context, channel string, msg []byte) error {
	return c.write(ctx, Frame{Op: OpPublish, Channel: channel, Data: msg})
}

// Subscribe opens a local subscription, registering the channel with the
// relay when it is the first one.
func (c *Client) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("%w: channel name is required", errs.ErrInvalidInput)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.Wrap(errs.ErrBrokerUnavailable, ErrClosed)
	}
	sub := newSubscription(channel, c.remove)
	set, ok := c.subs[channel]
	if !ok {
		set = &subscriberSet{}
		c.subs[channel] = set
	}
	set.add(sub)
	first := len(set.subs) == 1
	c.mu.Unlock()

	if first {
		if err := c.write(ctx, Frame{Op: OpSubscribe, Channel: channel}); err != nil {
			_ = sub.Close()
			return nil, err
		}
	}
	return sub, nil
}

func (c *Client) remove(sub *subscription) {
	c.mu.Lock()
	set, ok := c.subs[sub.channel]
	last := ok && set.remove(sub)
	if last {
		delete(c.subs, sub.channel)
	}
	closed := c.closed
	c.mu.Unlock()

	if last && !closed {
		_ = c.write(context.Background(), Frame{Op: OpUnsubscribe, Channel: sub.channel})
	}
}

func (c *Client) readLoop(ctx context.Context) {
	logger := contextutil.LoggerFromContext(ctx)
	defer close(c.done)

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.fail(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.ErrorContext(ctx, "broker connection lost", "error", err)
			}
			return
		}

		switch f.Op {
		case OpMessage:
			c.mu.Lock()
			if set, ok := c.subs[f.Channel]; ok {
				if c.queues[f.Channel] {
					set.dispatch(f.Data)
				} else {
					set.broadcast(f.Data)
				}
			}
			c.mu.Unlock()
		case OpError:
			logger.ErrorContext(ctx, "broker reported error", "channel", f.Channel, "error", string(f.Data))
		default:
			logger.WarnContext(ctx, "unexpected frame from broker", "op", f.Op)
		}
	}
}

// fail marks the client closed and ends every local subscription so
// consumers observe the loss.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	subs := c.subs
	c.subs = make(map[string]*subscriberSet)
	c.mu.Unlock()

	for _, set := range subs {
		set.shutdown()
	}
}

// Ping sends a websocket ping to the relay.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	closed, err := c.closed, c.err
	c.mu.Unlock()
	if closed {
		if err == nil {
			err = ErrClosed
		}
		return errs.Wrap(errs.ErrBrokerUnavailable, err)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return errs.Wrap(errs.ErrBrokerUnavailable, fmt.Errorf("failed to ping broker: %w", err))
	}
	return nil
}

// Close disconnects from the relay and closes every subscription.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		c.fail(ErrClosed)
		if cerr := c.conn.Close(); cerr != nil {
			err = fmt.Errorf("failed to close broker connection: %w", cerr)
		}
		<-c.done
	})
	return err
}
