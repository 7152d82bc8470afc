package broker

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"codecompass/internal/contextutil"
)

// Server relays frames between websocket clients through a MemoryBroker, so
// gateway and worker processes can share channels.
type Server struct {
	broker   *MemoryBroker
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*peer]struct{}
}

// NewServer creates a relay backed by b.
func NewServer(b *MemoryBroker) *Server {
	return &Server{
		broker: b,
		peers:  make(map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// peer is one relay client connection and the subscriptions it holds.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]Subscription
	wg      sync.WaitGroup
}

func (p *peer) send(f Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(f)
}

func (p *peer) forward(sub Subscription) {
	defer p.wg.Done()
	for msg := range sub.Messages() {
		if err := p.send(Frame{Op: OpMessage, Channel: sub.Channel(), Data: msg}); err != nil {
			return
		}
	}
}

func (p *peer) release() {
	for ch, sub := range p.subs {
		_ = sub.Close()
		delete(p.subs, ch)
	}
	p.wg.Wait()
	_ = p.conn.Close()
}

// ServeHTTP upgrades the request and serves relay frames until the client
// disconnects. Frames from one client are handled in order, so a subscribe
// followed by a publish on the same connection never loses the reply.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorContext(ctx, "failed to upgrade broker connection", "error", err)
		return
	}

	p := &peer{conn: conn, subs: make(map[string]Subscription)}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		p.release()
	}()

	logger.InfoContext(ctx, "broker client connected")
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WarnContext(ctx, "broker client read failed", "error", err)
			}
			logger.InfoContext(ctx, "broker client disconnected", "subscriptions", len(p.subs))
			return
		}
		s.handleFrame(ctx, p, f)
	}
}

func (s *Server) handleFrame(ctx context.Context, p *peer, f Frame) {
	logger := contextutil.LoggerFromContext(ctx)

	switch f.Op {
	case OpPublish:
		if err := s.broker.Publish(ctx, f.Channel, f.Data); err != nil {
			logger.ErrorContext(ctx, "failed to relay publish", "channel", f.Channel, "error", err)
			_ = p.send(Frame{Op: OpError, Channel: f.Channel, Data: []byte(err.Error())})
		}
	case OpSubscribe:
		if _, ok := p.subs[f.Channel]; ok {
			return
		}
		sub, err := s.broker.Subscribe(ctx, f.Channel)
		if err != nil {
			logger.ErrorContext(ctx, "failed to relay subscribe", "channel", f.Channel, "error", err)
			_ = p.send(Frame{Op: OpError, Channel: f.Channel, Data: []byte(err.Error())})
			return
		}
		p.subs[f.Channel] = sub
		p.wg.Add(1)
		go p.forward(sub)
		logger.DebugContext(ctx, "relay subscribed", "channel", f.Channel)
	case OpUnsubscribe:
		if sub, ok := p.subs[f.Channel]; ok {
			_ = sub.Close()
			delete(p.subs, f.Channel)
			logger.DebugContext(ctx, "relay unsubscribed", "channel", f.Channel)
		}
	default:
		logger.WarnContext(ctx, "unknown relay op", "op", f.Op)
		_ = p.send(Frame{Op: OpError, Channel: f.Channel, Data: []byte("unknown op " + string(f.Op))})
	}
}

// Close disconnects every relay client. Their read loops exit and release
// their subscriptions.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		_ = p.conn.Close()
	}
	return nil
}
