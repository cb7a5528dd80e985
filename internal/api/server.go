package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/bl8ckfz/dealer-engine/internal/alerts"
	"github.com/bl8ckfz/dealer-engine/internal/cache"
	"github.com/bl8ckfz/dealer-engine/internal/pipeline"
	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
	"github.com/bl8ckfz/dealer-engine/pkg/observability"
)

// Cache is the read side of the Redis snapshot cache
type Cache interface {
	Get(ctx context.Context, symbol string) (pipeline.Update, error)
	RecentFirings(ctx context.Context, symbol string, limit int) ([]alerts.Firing, error)
}

// Server exposes alert management, sample submission and snapshots over HTTP
type Server struct {
	manager     *pipeline.Manager
	hub         *Hub
	cache       Cache
	health      *observability.HealthChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger
	rateLimiter *rateLimiter
}

// Option configures a Server
type Option func(*Server)

// WithCache enables the Redis fallback for snapshots and recent firings
func WithCache(c Cache) Option {
	return func(s *Server) {
		s.cache = c
	}
}

// WithHealth mounts the health endpoints
func WithHealth(h *observability.HealthChecker) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithMetrics instruments requests and mounts /metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRateLimit allows maxRate requests per client per interval; 0 disables limiting
func WithRateLimit(maxRate int, interval time.Duration) Option {
	return func(s *Server) {
		s.rateLimiter = newRateLimiter(maxRate, interval)
	}
}

// NewServer creates the HTTP surface; hub may be nil to disable /ws/updates
func NewServer(manager *pipeline.Manager, hub *Hub, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		manager:     manager,
		hub:         hub,
		logger:      logger.With().Str("component", "api").Logger(),
		rateLimiter: newRateLimiter(100, time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the request multiplexer
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.health != nil {
		s.health.Register(mux)
	}

	s.handle(mux, "GET /api/symbols", s.handleSymbols)
	s.handle(mux, "DELETE /api/symbols/{symbol}", s.handleStopSymbol)
	s.handle(mux, "GET /api/snapshot/{symbol}", s.handleSnapshot)
	s.handle(mux, "GET /api/firings/{symbol}", s.handleFirings)
	s.handle(mux, "POST /api/samples/{symbol}", s.handleSubmitSample)

	s.handle(mux, "GET /api/rules/{symbol}", s.handleListRules)
	s.handle(mux, "POST /api/rules/{symbol}", s.handleCreateRule)
	s.handle(mux, "DELETE /api/rules/{symbol}/{id}", s.handleDeleteRule)
	s.handle(mux, "POST /api/rules/{symbol}/{id}/reset", s.handleResetRule)
	s.handle(mux, "POST /api/rules/{symbol}/{id}/disable", s.handleDisableRule)

	mux.HandleFunc("OPTIONS /api/", s.cors(func(w http.ResponseWriter, r *http.Request) {}))

	if s.hub != nil {
		mux.Handle("GET /ws/updates", s.hub)
	}

	return mux
}

// RunCleanup prunes idle rate-limit buckets every 10 minutes until ctx is done
func (s *Server) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateLimiter.cleanup()
		}
	}
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, s.instrument(pattern, s.cors(s.rateLimit(h))))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if s.metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		done := observability.Timer(s.metrics.HTTPDuration.WithLabelValues(r.Method, route))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		done()
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	}
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	}
}

func (s *Server) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow(extractIP(r)) {
			s.writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// writeEngineError maps engine sentinel errors onto status codes
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alerts.ErrInvalidRuleDefinition):
		s.writeError(w, http.StatusBadRequest, "invalid_rule", err.Error())
	case errors.Is(err, pipeline.ErrEmptySymbol):
		s.writeError(w, http.StatusBadRequest, "invalid_symbol", err.Error())
	case errors.Is(err, alerts.ErrRuleNotFound),
		errors.Is(err, pipeline.ErrUnknownSymbol),
		errors.Is(err, cache.ErrNotCached):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ringbuffer.ErrOutOfOrderSample):
		s.writeError(w, http.StatusConflict, "out_of_order", err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
