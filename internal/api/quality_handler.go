package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mikeyg42/streamqc/internal/session"
)

// QualityHandler serves per-session quality endpoints
type QualityHandler struct {
	sessions *session.Manager
	audit    AuditStore
	logger   *zap.Logger
}

// NewQualityHandler creates a new quality handler. audit may be nil, in which
// case decisions are served from the live session only.
func NewQualityHandler(sessions *session.Manager, audit AuditStore, logger *zap.Logger) *QualityHandler {
	return &QualityHandler{
		sessions: sessions,
		audit:    audit,
		logger:   logger,
	}
}

// RegisterRoutes registers quality API routes
func (h *QualityHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", h.handleList)
	mux.HandleFunc("GET /api/sessions/{id}/metrics", h.handleGetMetrics)
	mux.HandleFunc("GET /api/sessions/{id}/decisions", h.handleGetDecisions)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.handleClose)
}

func (h *QualityHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List(), h.logger)
}

// handleGetMetrics returns the current quality snapshot of a live session
func (h *QualityHandler) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	snap, err := s.Snapshot(r.Context())
	if err != nil {
		h.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap, h.logger)
}

// handleGetDecisions returns the audit trail of a session, live or closed.
// An optional limit keeps only the newest N decisions.
func (h *QualityHandler) handleGetDecisions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if h.audit != nil {
		entries, err := h.audit.ListBySession(r.Context(), id)
		if err != nil {
			h.logger.Error("failed to list decisions", zap.String("session", id), zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
		writeJSON(w, http.StatusOK, entries, h.logger)
		return
	}

	s, err := h.sessions.Get(id)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if limit > 0 {
		writeJSON(w, http.StatusOK, s.RecentDecisions(limit), h.logger)
		return
	}
	writeJSON(w, http.StatusOK, s.Decisions(), h.logger)
}

// handleClose ends a session from the operator side. The player's socket stays
// open but further events on it are rejected.
func (h *QualityHandler) handleClose(w http.ResponseWriter, r *http.Request) {
	closed, err := h.sessions.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closed, h.logger)
}

func (h *QualityHandler) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		http.Error(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, session.ErrSessionClosed):
		http.Error(w, "Session closed", http.StatusGone)
	default:
		h.logger.Error("session request failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
