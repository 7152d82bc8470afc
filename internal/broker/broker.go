// Package broker carries opaque messages between the gateway and workers over
// named publish/subscribe channels.
package broker

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_broker.go -package=mocks codecompass/internal/broker Broker,Subscription

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Broker publishes messages to channels and hands out subscriptions.
// Messages on a broadcast channel are delivered to every subscription open at
// publish time. Messages on a queue channel are delivered to exactly one
// subscription, rotating between them. Either way each subscription sees its
// messages in publish order.
type Broker interface {
	// Publish sends msg to the subscribers of channel. On a broadcast channel
	// nobody listens on the message is dropped; a queue channel holds it for
	// the next subscriber.
	Publish(ctx context.Context, channel string, msg []byte) error

	// Subscribe opens a subscription on channel. Messages published after
	// Subscribe returns are guaranteed to be delivered.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Ping reports whether the broker is reachable.
	Ping(ctx context.Context) error

	// Close releases the broker and closes every open subscription.
	Close() error
}

// Subscription is a single listener on one channel.
type Subscription interface {
	Channel() string

	// Messages yields messages in publish order. It is closed when the
	// subscription or its broker is closed.
	Messages() <-chan []byte

	Close() error
}

// subscription buffers without bound so a slow consumer never blocks a
// publisher, and a pump goroutine feeds Messages in order.
type subscription struct {
	channel string
	onClose func(*subscription)

	mu      sync.Mutex
	pending [][]byte
	closed  bool

	notify    chan struct{}
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(channel string, onClose func(*subscription)) *subscription {
	s := &subscription{
		channel: channel,
		onClose: onClose,
		notify:  make(chan struct{}, 1),
		out:     make(chan []byte),
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscription) Channel() string { return s.channel }

func (s *subscription) Messages() <-chan []byte { return s.out }

// Close stops delivery. Messages still buffered are discarded.
func (s *subscription) Close() error {
	s.shutdown(true)
	return nil
}

// shutdown closes the subscription; detach controls whether the owner is
// told so it can forget the subscription.
func (s *subscription) shutdown(detach bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
		if detach && s.onClose != nil {
			s.onClose(s)
		}
	})
}

// deliver queues msg and reports false if the subscription is closed.
func (s *subscription) deliver(msg []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		msg := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

// subscriberSet holds the subscriptions open on one channel.
type subscriberSet struct {
	subs []*subscription
	next int
}

func (s *subscriberSet) add(sub *subscription) {
	s.subs = append(s.subs, sub)
}

// remove drops sub and reports whether the set is now empty.
func (s *subscriberSet) remove(sub *subscription) bool {
	for i, cur := range s.subs {
		if cur == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	if s.next >= len(s.subs) {
		s.next = 0
	}
	return len(s.subs) == 0
}

// broadcast hands a private copy of msg to every subscription.
func (s *subscriberSet) broadcast(msg []byte) {
	for _, sub := range s.subs {
		cp := make([]byte, len(msg))
		copy(cp, msg)
		sub.deliver(cp)
	}
}

// dispatch hands msg to one subscription in rotation and reports whether an
// open one took it.
func (s *subscriberSet) dispatch(msg []byte) bool {
	for range s.subs {
		sub := s.subs[s.next]
		s.next = (s.next + 1) % len(s.subs)
		if sub.deliver(msg) {
			return true
		}
	}
	return false
}

// shutdown closes every subscription without detaching it.
func (s *subscriberSet) shutdown() {
	for _, sub := range s.subs {
		sub.shutdown(false)
	}
}

func queueSet(channels []string) map[string]bool {
	queues := make(map[string]bool, len(channels))
	for _, ch := range channels {
		queues[ch] = true
	}
	return queues
}
