// Package server is the HTTP transport: it mounts the MCP streamable
// endpoint alongside health probes and a small sync-control API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/dyngate/dyngate/internal/mcp"
	"github.com/dyngate/dyngate/internal/metadata"
	"github.com/dyngate/dyngate/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host              string
	Port              int
	ShutdownTimeout   time.Duration
	CORSOrigins       []string
	RequestsPerMinute int
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              8080,
		ShutdownTimeout:   30 * time.Second,
		CORSOrigins:       []string{"*"},
		RequestsPerMinute: 100,
	}
}

// Server owns the Chi router hosting the MCP endpoint and the sync API.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	syncer     *metadata.Syncer
	mcpServer  *mcp.MCPServer
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes and middleware wired. Call
// ListenAndServe to start accepting connections.
func New(cfg Config, st *store.Store, syncer *metadata.Syncer, mcpServer *mcp.MCPServer, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		syncer:    syncer,
		mcpServer: mcpServer,
		logger:    logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"Mcp-Session-Id", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if s.cfg.RequestsPerMinute > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RequestsPerMinute, time.Minute))
	}

	// --- Health checks ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- Sync API ---
	r.Route("/api", func(r chi.Router) {
		r.Get("/sync/status", s.handleSyncStatus)
		r.Post("/sync/now", s.handleSyncNow)
	})

	// --- MCP streamable endpoint ---
	r.Mount("/mcp", s.mcpServer.StreamableHTTPHandler())

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Ready means the metadata cache holds at
// least one entity, so queries return something useful.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.CountEntityTypes(r.Context())
	status := "ok"
	httpStatus := http.StatusOK
	if err != nil {
		status = "error: " + err.Error()
		httpStatus = http.StatusServiceUnavailable
	} else if count == 0 {
		status = "metadata cache empty, sync pending"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status":       status,
		"entity_count": count,
	})
}

// handleSyncStatus reports the scheduler's state.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.syncer.Status())
}

// handleSyncNow triggers a foreground sync. Returns 409 when one is already
// running.
func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	stats, err := s.syncer.ForceSyncNow(r.Context())
	w.Header().Set("Content-Type", "application/json")
	switch {
	case errors.Is(err, metadata.ErrSyncInProgress):
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	case err != nil:
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	default:
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(stats)
	}
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received, then drains in-flight requests before returning.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Router exposes the configured router, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}
