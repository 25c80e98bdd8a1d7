// Package web implements the ops HTTP server: a JSON API over the
// resolution layer, a live event stream, Prometheus metrics, and a
// small dashboard.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Fimeg/Coquette-sub001/internal/audit"
	"github.com/Fimeg/Coquette-sub001/internal/availability"
	"github.com/Fimeg/Coquette-sub001/internal/config"
	"github.com/Fimeg/Coquette-sub001/internal/events"
	"github.com/Fimeg/Coquette-sub001/internal/provider"
	"github.com/Fimeg/Coquette-sub001/internal/queue"
	"github.com/Fimeg/Coquette-sub001/internal/router"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the ops HTTP server.
type Server struct {
	address string
	port    int
	logger  *slog.Logger

	reg       *provider.Registry
	tracker   *availability.Tracker
	sel       *router.Selector
	queue     *queue.Queue
	bus       *events.Bus
	store     *audit.Store   // nil means auditing is disabled
	recoverer RecoveryRunner // nil means no negotiator is attached

	templates map[string]*template.Template
	server    *http.Server
}

// NewServer creates the ops server. The audit store is optional and
// attached with SetAuditStore.
func NewServer(logger *slog.Logger, cfg config.WebConfig, reg *provider.Registry, tracker *availability.Tracker, sel *router.Selector, q *queue.Queue, bus *events.Bus) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   cfg.Address,
		port:      cfg.Port,
		logger:    logger.With("component", "web"),
		reg:       reg,
		tracker:   tracker,
		sel:       sel,
		queue:     q,
		bus:       bus,
		templates: loadTemplates(),
	}
}

// SetAuditStore configures the audit store backing the history
// endpoints and the dashboard's recovery table.
func (s *Server) SetAuditStore(store *audit.Store) {
	s.store = store
}

// RegisterRoutes adds all ops routes to a mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /", s.handleDashboard)

	mux.HandleFunc("GET /api/providers", s.handleProviders)
	mux.HandleFunc("GET /api/resolve", s.handleResolve)
	mux.HandleFunc("GET /api/chain", s.handleChainGet)
	mux.HandleFunc("PUT /api/chain", s.handleChainPut)
	mux.HandleFunc("PUT /api/provider", s.handleProviderPut)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/queue", s.handleQueue)
	mux.HandleFunc("POST /api/recover", s.handleRecover)
	mux.HandleFunc("GET /api/recoveries", s.handleRecoveries)
	mux.HandleFunc("GET /api/dispatches", s.handleDispatches)
	mux.HandleFunc("GET /api/summary", s.handleSummary)
	mux.HandleFunc("GET /api/decisions", s.handleDecisions)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.Handle("GET /metrics", promhttp.Handler())
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.withLogging(mux),
		ReadTimeout: 30 * time.Second,
		// /api/events hijacks its connection, so a WriteTimeout here
		// only bounds the regular JSON endpoints.
		WriteTimeout: 120 * time.Second,
	}

	s.logger.Info("starting ops server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// parseLimit reads a positive ?limit= query value, falling back to def.
func parseLimit(r *http.Request, def int) int {
	limit := def
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}
