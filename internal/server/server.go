// Package server exposes the aggregation trigger and admin HTTP surface.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sentro/internal/aggregator"
	"sentro/internal/model"
	"sentro/internal/storage"
)

// Server is the HTTP surface of the aggregation service.
type Server struct {
	router   *chi.Mux
	store    storage.Storage
	agg      *aggregator.Aggregator
	log      *slog.Logger
	cooldown time.Duration
}

// New creates a Server and sets up its routes.
func New(store storage.Storage, agg *aggregator.Aggregator, log *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		store:    store,
		agg:      agg,
		log:      log,
		cooldown: 15 * time.Minute,
	}
	s.setupRoutes()
	return s
}

// SetCooldown overrides the manual-trigger cooldown.
func (s *Server) SetCooldown(d time.Duration) {
	s.cooldown = d
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(5 * time.Minute))
	s.router.Use(cors)

	s.router.Post("/aggregate", s.handleAggregate(model.EventAggregation))
	s.router.Post("/aggregate/crypto", s.handleAggregate(model.EventCryptoAggregation))

	s.router.Get("/logs", s.handleListLogs)
	s.router.Get("/schedule", s.handleGetSchedule)
	s.router.Put("/schedule", s.handleSaveSchedule)
	s.router.Get("/sources", s.handleListSources)
	s.router.Post("/sources", s.handleCreateSource)

	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// cors applies the trigger-surface CORS contract. Preflight requests get
// an empty 204.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAggregate(eventType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var opts model.RunOptions
		if err := decodeBody(r, &opts); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}

		if !opts.ForceUpdate {
			if retryAt, ok := s.inCooldown(r); ok {
				s.writeError(w, http.StatusTooManyRequests,
					fmt.Errorf("rate limited: next run allowed at %s", retryAt.Format(time.RFC3339)))
				return
			}
		}

		summary, err := s.agg.Run(r.Context(), eventType, opts)
		if err != nil {
			if errors.Is(err, aggregator.ErrRunInProgress) {
				s.writeError(w, http.StatusConflict, err)
				return
			}
			s.log.Error("aggregation run", "event_type", eventType, "error", err)
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusOK, summary)
	}
}

// inCooldown reports whether the last completed run is too recent for
// another manual trigger.
func (s *Server) inCooldown(r *http.Request) (time.Time, bool) {
	sched, err := s.store.GetSchedule(r.Context())
	if err != nil {
		s.log.Warn("get schedule for cooldown check", "error", err)
		return time.Time{}, false
	}
	if sched.LastRun == nil {
		return time.Time{}, false
	}
	retryAt := sched.LastRun.Add(s.cooldown)
	if time.Now().UTC().Before(retryAt) {
		return retryAt, true
	}
	return time.Time{}, false
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	filter := storage.LogFilter{
		Status:    model.RunStatus(r.URL.Query().Get("status")),
		EventType: r.URL.Query().Get("event_type"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	entries, err := s.store.ListLogs(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []model.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleSaveSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled   bool            `json:"enabled"`
		Frequency model.Frequency `json:"frequency"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if !req.Frequency.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid frequency %q", req.Frequency))
		return
	}

	sched, err := s.store.GetSchedule(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	sched.Enabled = req.Enabled
	sched.Frequency = req.Frequency
	sched.NextScheduled = nil
	if req.Enabled {
		next := time.Now().UTC().Add(req.Frequency.Interval())
		sched.NextScheduled = &next
	}
	if err := s.store.SaveSchedule(r.Context(), sched); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	details := map[string]any{"enabled": sched.Enabled, "frequency": string(sched.Frequency)}
	if sched.NextScheduled != nil {
		details["next_scheduled"] = sched.NextScheduled.Format(time.RFC3339)
	}
	entry := &model.LogEntry{
		EventType: model.EventScheduleUpdate,
		Status:    model.StatusSuccess,
		Details:   details,
	}
	if err := s.store.AppendLog(r.Context(), entry); err != nil {
		s.log.Warn("append schedule update log", "error", err)
	}

	s.writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	type sourceResponse struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		URL          string `json:"url"`
		Type         string `json:"type"`
		ArticleLimit int    `json:"article_limit"`
	}
	resp := make([]sourceResponse, 0, len(sources))
	for _, src := range sources {
		resp = append(resp, sourceResponse{
			ID: src.ID, Name: src.Name, URL: src.URL,
			Type: string(src.Type), ArticleLimit: src.ArticleLimit,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		URL          string `json:"url"`
		Type         string `json:"type"`
		ArticleLimit int    `json:"article_limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Name == "" || req.URL == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("name and url are required"))
		return
	}
	if req.Type == "" {
		req.Type = string(model.SourceRSS)
	}
	switch model.SourceType(req.Type) {
	case model.SourceRSS, model.SourceAPI, model.SourceHTML:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid source type %q", req.Type))
		return
	}
	if req.ArticleLimit <= 0 {
		req.ArticleLimit = 20
	}

	src := &model.Source{
		Name:         req.Name,
		URL:          req.URL,
		Type:         model.SourceType(req.Type),
		ArticleLimit: req.ArticleLimit,
	}
	if err := s.store.CreateSource(r.Context(), src); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": src.ID})
}

// decodeBody decodes a JSON request body into dst. An empty body is not
// an error.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{
		"error":     err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
