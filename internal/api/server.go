// Package api provides the HTTP API server
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/streamqc/internal/archive"
	"github.com/mikeyg42/streamqc/internal/audit"
	"github.com/mikeyg42/streamqc/internal/rpc"
	"github.com/mikeyg42/streamqc/internal/session"
)

// AuditStore is the read side of the decision audit trail
type AuditStore interface {
	HealthCheck(ctx context.Context) error
	ListBySession(ctx context.Context, sessionID string) ([]audit.Entry, error)
	CountByKind(ctx context.Context, since time.Time) (map[string]int, error)
	Stats() audit.Stats
}

// ReportStore reads archived session reports
type ReportStore interface {
	Fetch(ctx context.Context, key string) (*archive.Report, error)
	Metrics() archive.MetricsSnapshot
}

// Options configures the server. Audit and Reports are optional.
type Options struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	AllowedOrigins    []string
	SessionsPerMinute int
	Audit             AuditStore
	Reports           ReportStore
	Logger            *zap.Logger
}

// Server is an HTTP API server
type Server struct {
	httpServer     *http.Server
	mux            *http.ServeMux
	sessions       *session.Manager
	rpc            *rpc.Server
	qualityHandler *QualityHandler
	limiter        *RateLimiter
	audit          AuditStore
	reports        ReportStore
	logger         *zap.Logger
}

// NewServer creates a new API server
func NewServer(opts Options, sessions *session.Manager) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.L().Named("api")
	}

	mux := http.NewServeMux()
	s := &Server{
		mux:      mux,
		sessions: sessions,
		rpc:      rpc.NewServer(sessions, opts.AllowedOrigins, logger.Named("rpc")),
		audit:    opts.Audit,
		reports:  opts.Reports,
		logger:   logger,
	}

	s.qualityHandler = NewQualityHandler(sessions, opts.Audit, logger)
	s.qualityHandler.RegisterRoutes(mux)

	// Players open sessions over the socket, so opens are what we rate limit
	s.limiter = NewRateLimiter(opts.SessionsPerMinute, time.Minute)
	mux.Handle("/ws", s.limiter.Middleware(s.rpc))

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/reports", s.handleReport)

	s.httpServer = &http.Server{
		Addr:           opts.Addr,
		Handler:        corsMiddleware(opts.AllowedOrigins, mux),
		ReadTimeout:    opts.ReadTimeout,
		WriteTimeout:   opts.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
	return s
}

// Handler returns the root handler, CORS included
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type healthResponse struct {
	Status   string                   `json:"status"`
	Sessions int                      `json:"sessions"`
	Audit    string                   `json:"audit"`
	Recorded *audit.Stats             `json:"recorded,omitempty"`
	LastHour map[string]int           `json:"lastHour,omitempty"` // decisions by kind
	Archive  *archive.MetricsSnapshot `json:"archive,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Sessions: s.sessions.Len(),
		Audit:    "disabled",
	}
	code := http.StatusOK

	if s.audit != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		stats := s.audit.Stats()
		resp.Recorded = &stats
		resp.Audit = "ok"
		if err := s.audit.HealthCheck(ctx); err != nil {
			s.logger.Warn("audit store unhealthy", zap.Error(err))
			resp.Status = "degraded"
			resp.Audit = err.Error()
			code = http.StatusServiceUnavailable
		} else if counts, err := s.audit.CountByKind(ctx, time.Now().Add(-time.Hour)); err == nil {
			resp.LastHour = counts
		} else {
			s.logger.Warn("failed to count recent decisions", zap.Error(err))
		}
	}
	if s.reports != nil {
		m := s.reports.Metrics()
		resp.Archive = &m
	}

	writeJSON(w, code, resp, s.logger)
}

// handleReport returns an archived session report by object key
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		http.Error(w, "Report archive disabled", http.StatusServiceUnavailable)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "Missing key parameter", http.StatusBadRequest)
		return
	}

	report, err := s.reports.Fetch(r.Context(), key)
	if err != nil {
		s.logger.Warn("failed to fetch report", zap.String("key", key), zap.Error(err))
		http.Error(w, "Report not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report, s.logger)
}

// corsMiddleware adds CORS headers for whitelisted origins
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowedOrigins := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowedOrigins[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Vary", "Origin")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", zap.Error(err))
	}
}

// Start starts the API server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// StartInBackground starts the server in a goroutine. The returned channel
// receives the serve error, if any, and is closed when the server stops.
func (s *Server) StartInBackground() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown stops accepting requests, then disconnects players so their
// sessions close and archive
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	defer s.limiter.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.rpc.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
