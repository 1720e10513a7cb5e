// Package admin is the operator-facing HTTP sidecar: health and readiness
// probes, the Prometheus scrape endpoint and a JSON status summary. It
// never serves relay traffic.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds admin server configuration.
type Config struct {
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// Status is the payload of the /status endpoint.
type Status struct {
	OpenConnections int64  `json:"open_connections"`
	SnapshotVersion uint64 `json:"snapshot_version"`
	PollsCompleted  uint64 `json:"polls_completed"`
	PollsSkipped    uint64 `json:"polls_skipped"`
	PollsFailed     uint64 `json:"polls_failed"`
	Degraded        bool   `json:"degraded"`
}

// StatusFunc supplies the current Status.
type StatusFunc func() Status

// ReadyFunc reports whether the daemon is ready to serve: at least one
// snapshot published and the poller not degraded.
type ReadyFunc func() bool

// Server wraps the admin HTTP server with chi routing, middleware, and
// graceful shutdown.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	logger     *slog.Logger
	cfg        Config
}

// New creates an admin Server serving the given registry and status
// sources.
func New(cfg Config, registry *prometheus.Registry, status StatusFunc, ready ReadyFunc, logger *slog.Logger) *Server {
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}

	s := &Server{
		logger: logger,
		cfg:    cfg,
	}
	s.setupRoutes(registry, status, ready)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes(registry *prometheus.Registry, status StatusFunc, ready ReadyFunc) {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth())
	r.Get("/ready", s.handleReady(ready))
	r.Get("/status", s.handleStatus(status))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.router = r
}

// ListenAndServe starts the admin server and blocks until it stops.
// Returns nil if the server was shut down gracefully via Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("admin server listening",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an already-bound listener. Tests use it to bind port 0.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger is a chi-compatible middleware that emits structured log
// lines for every HTTP request using slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("remote_addr", r.RemoteAddr),
		)
	})
}
