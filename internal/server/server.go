package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shipkit/shiplog/internal/handler"
	"github.com/shipkit/shiplog/internal/mcp"
	"github.com/shipkit/shiplog/internal/notify"
	"github.com/shipkit/shiplog/internal/server/middleware"
	"github.com/shipkit/shiplog/internal/service"
	"github.com/shipkit/shiplog/internal/store"
	"github.com/shipkit/shiplog/internal/stream"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodyBytes    int64
	MaxBatchSize    int
	IngestRateLimit int // requests per minute per key, 0 disables
	StreamRateLimit int // connections per minute per IP, 0 disables
	EnableMCP       bool
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		MaxBodyBytes:    1 << 20,
		MaxBatchSize:    100,
		IngestRateLimit: 600,
		StreamRateLimit: 60,
		EnableMCP:       true,
		Version:         "dev",
	}
}

// Server is the top-level HTTP server. It owns the router, the store, and
// the change notifier, and closes both when it stops.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	keys       *service.KeyService
	authSvc    *service.AuthService
	notifier   notify.Notifier
	httpServer *http.Server
	logger     *slog.Logger

	// streams is the base context of every request. Cancelling it ends
	// open SSE and WebSocket streams, which Shutdown would otherwise wait
	// on forever.
	streams      context.Context
	closeStreams context.CancelFunc
}

// New wires routes and middleware. streamOpts tune the live stream
// publishers (poll interval, batch size, heartbeat).
func New(cfg Config, st *store.Store, keys *service.KeyService, authSvc *service.AuthService,
	notifier notify.Notifier, logger *slog.Logger, streamOpts ...stream.Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NewLocal()
	}
	s := &Server{
		cfg:      cfg,
		store:    st,
		keys:     keys,
		authSvc:  authSvc,
		notifier: notifier,
		logger:   logger,
	}
	s.streams, s.closeStreams = context.WithCancel(context.Background())
	s.setupRouter(append(streamOpts, stream.WithWaker(notifier)))
	return s
}

func (s *Server) setupRouter(streamOpts []stream.Option) {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Metrics)

	ingest := handler.NewIngestHandler(
		service.NewLogWriter(s.keys, s.store, s.notifier, s.logger),
		s.logger, s.cfg.MaxBodyBytes, s.cfg.MaxBatchSize,
	)
	streams := handler.NewStreamHandler(s.keys, s.store, s.logger, streamOpts...)
	keyAPI := handler.NewKeyHandler(s.keys, s.store, s.logger)

	// --- Probes and docs (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.cfg.Version).Serve)

	// --- Ingestion (API key) ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByKey(s.cfg.IngestRateLimit))
		r.Get("/v1", ingest.Ack)
		r.Post("/v1", ingest.Ingest)
	})

	// --- Live streams (API key) ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.cfg.StreamRateLimit))
		r.Get("/api/sse", streams.SSE)
		r.Get("/api/ws", streams.WebSocket)
	})

	// --- Key management (owner token) ---
	r.Route("/api/v1/keys", func(r chi.Router) {
		r.Use(middleware.RequireOwner(s.authSvc))
		r.Get("/", keyAPI.ListKeys)
		r.Post("/", keyAPI.CreateKey)
		r.Get("/options", keyAPI.ExpiryOptions)
		r.Post("/test", keyAPI.CreateTestKey)
		r.Delete("/{keyId}", keyAPI.RevokeKey)
		r.Get("/{keyId}/logs", keyAPI.ListKeyLogs)
	})

	// --- MCP over Streamable HTTP (owner token) ---
	if s.cfg.EnableMCP {
		mcpHandler := mcp.NewMCPServer(s.keys, s.store, s.cfg.Version, s.logger).HTTPHandler()
		r.With(middleware.RequireOwner(s.authSvc)).Handle("/mcp", mcpHandler)
	}

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 503 while the store is
// unreachable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"store": "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "check", "store", "error", err)
		checks["store"] = "unreachable"
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// Addr returns the listen address from the config.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// ListenAndServe starts the HTTP server and blocks until SIGINT or SIGTERM
// is received, then shuts down gracefully.
func (s *Server) ListenAndServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is done. Shutdown ends every open stream, drains
// in-flight requests, and closes the notifier and the store.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("server listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.streams },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.closeDeps()
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	s.closeStreams()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	shutdownErr := s.httpServer.Shutdown(shutdownCtx)

	// Pending last-used touches write to the store.
	s.keys.Wait()
	s.closeDeps()

	if shutdownErr != nil {
		return fmt.Errorf("server shutdown: %w", shutdownErr)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDeps() {
	if err := s.notifier.Close(); err != nil {
		s.logger.Warn("close notifier", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close store", "error", err)
	}
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
