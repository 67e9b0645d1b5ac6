// Package api exposes the HTTP surface: behavior tracking, direct product
// search, and asynchronous recommendation tasks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jwkim-dev/shopscout/internal/behavior"
	"github.com/jwkim-dev/shopscout/internal/metrics"
	"github.com/jwkim-dev/shopscout/internal/recsys"
	"github.com/jwkim-dev/shopscout/internal/task"
)

// userHeader identifies the caller. The gateway in front of this service is
// trusted to set it.
const userHeader = "X-User-ID"

const apiKeyHeader = "X-API-Key"

// TaskService is the slice of the task runner the handlers need.
type TaskService interface {
	Submit(ctx context.Context, userID, channel string, behaviors []recsys.Behavior) (recsys.Task, error)
	GetStatus(ctx context.Context, userID, channel string) (recsys.TaskResult, error)
}

// Sampler draws catalog titles for users with no history.
type Sampler interface {
	Sample(n int) []string
}

// Config tunes the HTTP layer.
type Config struct {
	// APIKey, when non-empty, is required in the X-API-Key header on all
	// /v1 routes.
	APIKey string
	// DefaultChannel is used when the channel query parameter is absent.
	DefaultChannel string
	// ColdStartSample is how many catalog titles seed a recommendation
	// for a user with no recorded behaviors. Zero disables cold start.
	ColdStartSample int
	// RequestTimeout bounds each request.
	RequestTimeout time.Duration
}

// Server routes HTTP requests to the domain services.
type Server struct {
	tasks     TaskService
	behaviors *behavior.Store
	searcher  recsys.Searcher
	sampler   Sampler
	cfg       Config
	logger    *zap.Logger
	router    chi.Router
}

// NewServer wires the routes. sampler may be nil to disable cold start.
func NewServer(
	tasks TaskService,
	behaviors *behavior.Store,
	searcher recsys.Searcher,
	sampler Sampler,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "v1"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		tasks:     tasks,
		behaviors: behaviors,
		searcher:  searcher,
		sampler:   sampler,
		cfg:       cfg,
		logger:    logger,
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.APIKey != "" {
			r.Use(s.requireAPIKey)
		}
		r.Post("/behaviors", s.handleAppendBehavior)
		r.Get("/behaviors", s.handleListBehaviors)
		r.Get("/products", s.handleSearchProducts)
		r.Post("/recommendations", s.handleSubmit)
		r.Get("/recommendations", s.handleStatus)
	})
	return r
}

// observe logs each request and records HTTP metrics against the chi route
// pattern rather than the raw path, to keep label cardinality bounded.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), elapsed)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(apiKeyHeader) != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type behaviorRequest struct {
	Name  string       `json:"name"`
	Event recsys.Event `json:"event"`
}

type behaviorResponse struct {
	UserID    string            `json:"user_id"`
	Behaviors []recsys.Behavior `json:"behaviors"`
}

func (s *Server) handleAppendBehavior(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req behaviorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !req.Event.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event")
		return
	}
	hist := s.behaviors.Append(userID, recsys.Behavior{Name: req.Name, Event: req.Event})
	writeJSON(w, http.StatusOK, behaviorResponse{UserID: userID, Behaviors: hist})
}

func (s *Server) handleListBehaviors(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	hist := s.behaviors.List(userID)
	if hist == nil {
		hist = []recsys.Behavior{}
	}
	writeJSON(w, http.StatusOK, behaviorResponse{UserID: userID, Behaviors: hist})
}

type productsResponse struct {
	Keyword  string           `json:"keyword"`
	Products []recsys.Product `json:"products"`
}

func (s *Server) handleSearchProducts(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("q")
	if keyword == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	products := s.searcher.Search(r.Context(), keyword)
	if products == nil {
		products = []recsys.Product{}
	}
	writeJSON(w, http.StatusOK, productsResponse{Keyword: keyword, Products: products})
}

type submitRequest struct {
	Channel   string            `json:"channel"`
	Behaviors []recsys.Behavior `json:"behaviors"`
}

type submitResponse struct {
	TaskID string            `json:"task_id"`
	Status recsys.TaskStatus `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	channel := s.channel(r)
	if channel == s.cfg.DefaultChannel && req.Channel != "" {
		channel = req.Channel
	}

	// Explicit behaviors in the body override the tracked history.
	hist := req.Behaviors
	for _, b := range hist {
		if b.Name == "" || !b.Event.Valid() {
			writeError(w, http.StatusBadRequest, "invalid behavior in body")
			return
		}
	}
	if len(hist) == 0 {
		hist = s.behaviors.List(userID)
	}
	if len(hist) == 0 && s.sampler != nil && s.cfg.ColdStartSample > 0 {
		for _, title := range s.sampler.Sample(s.cfg.ColdStartSample) {
			hist = append(hist, recsys.Behavior{Name: title, Event: recsys.EventItemView})
		}
	}

	t, err := s.tasks.Submit(r.Context(), userID, channel, hist)
	switch {
	case errors.Is(err, task.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, "no behaviors recorded for user")
		return
	case err != nil:
		s.logger.Error("submit failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start task")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: t.ID, Status: t.Status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	res, err := s.tasks.GetStatus(r.Context(), userID, s.channel(r))
	if err != nil {
		s.logger.Error("status query failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load status")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusBadRequest, userHeader+" header is required")
		return "", false
	}
	return userID, true
}

func (s *Server) channel(r *http.Request) string {
	if ch := r.URL.Query().Get("channel"); ch != "" {
		return ch
	}
	return s.cfg.DefaultChannel
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
