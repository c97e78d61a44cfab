package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adfharrison1/jsondb/pkg/api"
	"github.com/adfharrison1/jsondb/pkg/engine"
	"github.com/adfharrison1/jsondb/pkg/indexing"
	"github.com/adfharrison1/jsondb/pkg/storage"
)

// StatsSource reports the open collections.
type StatsSource interface {
	Stats() []engine.CollectionStats
}

// Server holds references to the router, handlers and metrics.
type Server struct {
	router  *mux.Router
	handler *api.Handler
	stats   StatsSource
	metrics *prometheus.Registry
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit rejects requests beyond rps per second with 429. A
// non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = int(rps) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// NewServer creates a new instance of Server serving db.
func NewServer(db api.Database, stats StatsSource, opts ...Option) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		stats:   stats,
		metrics: prometheus.NewRegistry(),
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = api.NewHandler(db, s.log)

	s.metrics.MustRegister(collectors.NewGoCollector())
	s.metrics.MustRegister(storage.Collectors()...)
	s.metrics.MustRegister(indexing.Collectors()...)
	s.metrics.MustRegister(engine.Collectors()...)

	s.routes()
	s.router.Use(requestIDMiddleware, s.requestLoggerMiddleware, s.rateLimitMiddleware)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Warnw("no route found", "method", r.Method, "path", r.URL.Path)
		http.NotFound(w, r)
	})
	return s
}

// Router exposes the internal mux.Router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.handler.RegisterRoutes(s.router)
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})).Methods("GET")
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	AllocMB       uint64                   `json:"alloc_mb"`
	TotalAllocMB  uint64                   `json:"total_alloc_mb"`
	SysMB         uint64                   `json:"sys_mb"`
	NumGoroutines int                      `json:"num_goroutines"`
	Collections   []engine.CollectionStats `json:"collections"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	resp := StatsResponse{
		AllocMB:       m.Alloc / 1024 / 1024,
		TotalAllocMB:  m.TotalAlloc / 1024 / 1024,
		SysMB:         m.Sys / 1024 / 1024,
		NumGoroutines: runtime.NumGoroutine(),
		Collections:   []engine.CollectionStats{},
	}
	if s.stats != nil {
		resp.Collections = s.stats.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLoggerMiddleware logs the method, URL path, status and duration for
// each request.
func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"request_id", w.Header().Get(RequestIDHeader),
			"elapsed", time.Since(start),
		)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			api.WriteJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
