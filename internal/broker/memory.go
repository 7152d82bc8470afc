package broker

import (
	"context"
	"fmt"
	"sync"

	"codecompass/internal/errs"
)

// MemoryBroker is an in-process Broker. It backs the standalone deployment and
// the websocket relay server.
type MemoryBroker struct {
	mu      sync.Mutex
	queues  map[string]bool
	subs    map[string]*subscriberSet
	backlog map[string][][]byte
	closed  bool
}

// NewMemoryBroker creates an empty in-process broker. The named channels are
// queues: each message goes to one subscriber and waits while there is none.
func NewMemoryBroker(queues ...string) *MemoryBroker {
	return &MemoryBroker{
		queues:  queueSet(queues),
		subs:    make(map[string]*subscriberSet),
		backlog: make(map[string][][]byte),
	}
}

// Publish delivers msg to the subscribers of channel.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.ErrBrokerUnavailable, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errs.Wrap(errs.ErrBrokerUnavailable, ErrClosed)
	}

	set := b.subs[channel]
	if !b.queues[channel] {
		if set != nil {
			set.broadcast(msg)
		}
		return nil
	}

	cp := make([]byte, len(msg))
	copy(cp, msg)
	if set == nil || !set.dispatch(cp) {
		b.backlog[channel] = append(b.backlog[channel], cp)
	}
	return nil
}

// Subscribe opens a subscription on channel. The first subscriber of a queue
// channel receives the messages held while it had none.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("%w: channel name is required", errs.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrBrokerUnavailable, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.Wrap(errs.ErrBrokerUnavailable, ErrClosed)
	}

	sub := newSubscription(channel, b.remove)
	set, ok := b.subs[channel]
	if !ok {
		set = &subscriberSet{}
		b.subs[channel] = set
	}
	set.add(sub)

	if held := b.backlog[channel]; len(held) > 0 {
		delete(b.backlog, channel)
		for _, msg := range held {
			sub.deliver(msg)
		}
	}
	return sub, nil
}

func (b *MemoryBroker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.channel]; ok && set.remove(sub) {
		delete(b.subs, sub.channel)
	}
}

// Subscribers returns the number of open subscriptions on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[channel]; ok {
		return len(set.subs)
	}
	return 0
}

// Held returns the number of queue messages waiting for a subscriber.
func (b *MemoryBroker) Held(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backlog[channel])
}

// Ping fails once the broker is closed.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errs.Wrap(errs.ErrBrokerUnavailable, ErrClosed)
	}
	return ctx.Err()
}

// Close closes every subscription and drops held messages. Further calls are
// no-ops.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscriberSet)
	b.backlog = make(map[string][][]byte)
	b.mu.Unlock()

	for _, set := range subs {
		set.shutdown()
	}
	return nil
}
