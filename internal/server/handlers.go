package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cyderes/reel-publisher/internal/inbox"
	"github.com/cyderes/reel-publisher/internal/models"
	"github.com/cyderes/reel-publisher/internal/tracking"
)

const (
	defaultRecentLimit = 20
	maxInboxBody       = 64 << 10
)

var publicEndpoints = []string{
	"GET /track/{token}",
	"GET /stats?product=",
	"GET /recent?limit=",
	"GET /health",
	"GET /metrics",
}

var adminEndpoints = []string{
	"GET /status",
	"POST /scheduler/resume",
	"POST /inbox/messages",
	"GET /health",
}

func (s *Server) handleIndex(endpoints []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service":   "reel-publisher",
			"endpoints": endpoints,
		})
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleTrack redirects a tracking token to its destination
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	res, err := s.deps.Tracker.Resolve(r.Context(), token, models.ClickMetadata{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Referrer:  r.Referer(),
	})
	if errors.Is(err, tracking.ErrNotFound) {
		fail(w, r, http.StatusNotFound, "not_found", "tracking link not found")
		return
	}
	if err != nil {
		fail(w, r, http.StatusInternalServerError, "internal", "failed to resolve tracking link")
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	http.Redirect(w, r, res.DestinationURL, http.StatusFound)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Tracker.Stats(r.Context(), r.URL.Query().Get("product"))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to compute stats")
		fail(w, r, http.StatusInternalServerError, "internal", "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			fail(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = l
	}

	recent, err := s.deps.Tracker.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load recent clicks")
		fail(w, r, http.StatusInternalServerError, "internal", "failed to load recent clicks")
		return
	}
	if recent == nil {
		recent = []models.ClickEvent{}
	}
	writeJSON(w, http.StatusOK, recent)
}

// handleStatus reports the publishing loop state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		fail(w, r, http.StatusServiceUnavailable, "unavailable", "scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		fail(w, r, http.StatusServiceUnavailable, "unavailable", "scheduler not running")
		return
	}
	wasPaused := s.deps.Scheduler.Resume()
	s.log.Info().Bool("was_paused", wasPaused).Msg("scheduler resume requested")
	writeJSON(w, http.StatusOK, map[string]any{
		"resumed": wasPaused,
		"status":  s.deps.Scheduler.Status(),
	})
}

func (s *Server) handleInboxMessage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Inbox == nil {
		fail(w, r, http.StatusServiceUnavailable, "unavailable", "inbox handler not configured")
		return
	}

	var msg inbox.Message
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInboxBody))
	if err := dec.Decode(&msg); err != nil {
		fail(w, r, http.StatusBadRequest, "invalid_body", "body must be a JSON message")
		return
	}

	reply, err := s.deps.Inbox.Handle(r.Context(), msg)
	if errors.Is(err, inbox.ErrInvalidMessage) {
		fail(w, r, http.StatusBadRequest, "invalid_message", err.Error())
		return
	}
	if err != nil {
		fail(w, r, http.StatusInternalServerError, "internal", "failed to handle message")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}
