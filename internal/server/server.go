// Package server exposes the read-only HTTP and WebSocket status API for a
// running session. Nothing here mutates trading state; the API exists so
// dashboards and operators can watch a session without touching it.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/server/handler"
	"github.com/mfeltner/polysim/internal/server/middleware"
	"github.com/mfeltner/polysim/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string

	// RateLimit holds each client to this many requests per RateWindow.
	// Zero disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	return c
}

// Handlers aggregates everything the server registers. Nil entries skip
// their routes, so a replay session can serve status without a catalog and
// a session without prometheus skips /metrics.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Stats   *handler.StatsHandler
	Account *handler.AccountHandler
	Markets *handler.MarketHandler
	Events  *handler.EventsHandler
	Reports *handler.ReportsHandler
	Metrics http.Handler
}

// Server is the status API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New registers all routes and builds the middleware chain: rate limiting
// innermost so rejected requests still reach the request log, CORS
// outermost so preflights short-circuit. wsHub and limiter may be nil.
func New(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if handlers.Stats != nil {
		mux.HandleFunc("GET /api/stats", handlers.Stats.GetStats)
	}
	if handlers.Account != nil {
		mux.HandleFunc("GET /api/account", handlers.Account.GetAccount)
		mux.HandleFunc("GET /api/positions", handlers.Account.ListPositions)
	}
	if handlers.Markets != nil {
		mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
		mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	}
	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
		mux.HandleFunc("GET /api/signals", handlers.Events.ListSignals)
	}
	if handlers.Reports != nil {
		mux.HandleFunc("GET /api/reports", handlers.Reports.ListReports)
		mux.HandleFunc("GET /api/reports/{key...}", handlers.Reports.GetReport)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Start listens until the server fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Handler exposes the composed handler chain for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
