package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"codecompass/internal/contextutil"
	"codecompass/internal/errs"
	"codecompass/internal/jobs"
)

const (
	// OwnerQueryParam names the query parameter carrying the owner id.
	OwnerQueryParam = "ownerId"

	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 20
)

// wsSender writes client messages to one websocket. Relays for different jobs
// share it, so writes are serialized.
type wsSender struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSender) Send(ctx context.Context, msg jobs.ClientMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// WebSocketHandler serves the client websocket endpoint.
type WebSocketHandler struct {
	gateway  *Gateway
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a WebSocketHandler for g.
func NewWebSocketHandler(g *Gateway) *WebSocketHandler {
	return &WebSocketHandler{
		gateway: g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP upgrades the request, registers the connection and submits every
// request the client sends until it disconnects.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	ownerID := r.URL.Query().Get(OwnerQueryParam)
	if ownerID == "" {
		logger.WarnContext(ctx, "missing owner id", "param", OwnerQueryParam)
		http.Error(w, fmt.Sprintf("query parameter %s is required", OwnerQueryParam), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorContext(ctx, "failed to upgrade client connection", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	// The request context ends with the handler; relays outlive it.
	connCtx := context.WithoutCancel(ctx)
	sender := &wsSender{conn: conn}
	c := h.gateway.Connect(connCtx, ownerID, sender)
	defer h.gateway.Disconnect(connCtx, c.ID)
	connCtx = contextutil.With(connCtx, "connection_id", c.ID, "owner_id", ownerID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WarnContext(connCtx, "client read failed", "error", errs.Wrap(errs.ErrConnection, err))
			}
			return
		}

		var req jobs.ClientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logger.WarnContext(connCtx, "malformed client request", "error", err)
			_ = sender.Send(connCtx, jobs.ClientErrorMessage("", fmt.Errorf("%w: malformed request: %v", errs.ErrInvalidInput, err)))
			continue
		}

		// Errors have already been reported to the client.
		_, _ = h.gateway.Submit(connCtx, c.ID, req)
	}
}
