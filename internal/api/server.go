// Package api exposes the search pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vidsearch/internal/models"
	"vidsearch/internal/notify"
	"vidsearch/internal/queue"
	"vidsearch/internal/recrawl"
	"vidsearch/internal/search"
	"vidsearch/internal/store"
	"vidsearch/internal/telemetry"
)

const (
	userHeader        = "X-User-ID"
	requestTimeout    = 30 * time.Second
	heartbeatInterval = 15 * time.Second
)

// HistoryLister reads persisted job history.
type HistoryLister interface {
	ListRecent(ctx context.Context, limit int) ([]store.JobRecord, error)
}

// Deps are the collaborators behind the HTTP surface. Recrawl and History
// are optional.
type Deps struct {
	Search     *search.Service
	Recrawl    *recrawl.Service
	Queue      *queue.RedisQueue
	Hub        *notify.Hub
	History    HistoryLister
	AdminToken string
	Logger     *zap.Logger
}

// Server wires HTTP handlers for the search API.
type Server struct {
	deps   Deps
	logger *zap.Logger
}

// New constructs the API server.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{deps: deps, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	// Streams stay outside the request timeout.
	r.Get("/search/{id}/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Post("/search", s.handleSearch)
		r.Post("/search/cancel", s.handleCancelAndInvalidate)
		r.Get("/search/{id}", s.handleStatus)
		r.Post("/search/{id}/cancel", s.handleCancel)
		r.Post("/recrawl", s.handleRecrawl)

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuthMiddleware(s.deps.AdminToken))
			r.Get("/queue/stats", s.handleStats)
			r.Post("/queue/clean", s.handleClean)
			r.Post("/queue/drain", s.handleDrain)
			r.Post("/queue/pause", s.handlePause)
			r.Post("/queue/resume", s.handleResume)
			r.Get("/jobs/history", s.handleHistory)
		})
	})
	return r
}

type searchRequest struct {
	JobID     string `json:"jobId,omitempty"`
	Query     string `json:"query"`
	Platform  string `json:"platform"`
	DateRange string `json:"dateRange,omitempty"`
}

func (req searchRequest) key() models.SearchKey {
	return models.NewSearchKey(req.Platform, req.Query, req.DateRange)
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json: %v", models.ErrValidation, err)
	}
	return nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Search.Search(r.Context(), r.Header.Get(userHeader), req.key())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Cached {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "completed",
			"data":   res.Videos,
			"cached": true,
		})
		return
	}
	body := map[string]any{
		"status":               "queued",
		"jobId":                res.JobID,
		"existing":             res.Existing,
		"estimatedWaitSeconds": res.EstimatedWaitSeconds,
	}
	if res.QueuePosition != nil {
		body["queuePosition"] = *res.QueuePosition
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Search.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job := st.Job
	switch job.State {
	case models.StateCompleted:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  job.State,
			"data":    job.Result,
			"message": job.Message,
		})
	case models.StateFailed:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": job.State,
			"error":  job.FailureReason,
		})
	default:
		body := map[string]any{
			"status":   job.State,
			"progress": job.Progress,
			"message":  job.Message,
		}
		if st.QueuePosition != nil {
			body["queuePosition"] = *st.QueuePosition
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Search.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": job.State})
}

func (s *Server) handleCancelAndInvalidate(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Search.CancelAndInvalidate(r.Context(), req.JobID, req.key()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRecrawl(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if s.deps.Recrawl == nil {
		s.writeError(w, r, models.ErrRecrawlDisabled)
		return
	}
	var req searchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ticket, already, err := s.deps.Recrawl.Trigger(r.Context(), userID, req.key())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := "queued"
	if already {
		status = "in_progress"
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":               status,
		"jobId":                ticket.JobID,
		"estimatedWaitSeconds": ticket.EstimatedWaitSeconds,
	})
}

// handleEvents streams job events as server-sent events until the job
// reaches a terminal state or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, cancel, err := s.deps.Hub.Subscribe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode event", zap.String("job_id", ev.JobID), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sample := 5
	if v := r.URL.Query().Get("sample"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid sample %q", models.ErrValidation, v))
			return
		}
		sample = n
	}
	stats, err := s.deps.Queue.Stats(r.Context(), sample)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	grace := time.Hour
	if v := r.URL.Query().Get("grace"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid grace %q", models.ErrValidation, v))
			return
		}
		grace = d
	}
	n, err := s.deps.Queue.CleanFinished(r.Context(), grace)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("admin: cleaned finished jobs", zap.Int("removed", n), zap.Duration("grace", grace))
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Queue.DrainWaiting(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("admin: drained waiting jobs", zap.Int("cancelled", n))
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Pause(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Resume(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "job history is not enabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, r, fmt.Errorf("%w: invalid limit %q", models.ErrValidation, v))
			return
		}
		limit = n
	}
	records, err := s.deps.History.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": records})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrRecrawlDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	writeError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
