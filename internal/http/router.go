package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"codecompass/internal/broker"
	"codecompass/internal/gateway"
	"codecompass/internal/handlers"
)

// Deps holds dependencies for the HTTP router. Nil components are not routed.
type Deps struct {
	// Gateway serves client connections on /ws.
	Gateway *gateway.Gateway
	// Relay serves broker clients on /broker.
	Relay *broker.Server
	// HealthChecks are probed by /api/health.
	HealthChecks map[string]handlers.Pinger
}

// NewRouter creates a new HTTP router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	// Add chi middleware
	r.Use(middleware.RequestID)
	r.Use(LoggerMiddleware)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Add CORS middleware
	r.Use(CORS)

	if deps.Gateway != nil {
		r.Method(http.MethodGet, "/ws", gateway.NewWebSocketHandler(deps.Gateway))
	}
	if deps.Relay != nil {
		r.Method(http.MethodGet, "/broker", deps.Relay)
	}

	healthHandler := handlers.NewHealthHandler(deps.HealthChecks)
	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/health", healthHandler)
	})

	return r
}
