package opsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger: зависимость, без которой процесс не готов принимать работу (БД, Redis).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server отдает служебный HTTP: liveness, readiness и метрики движка.
type Server struct {
	router   *chi.Mux
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	checks   map[string]Pinger
	timeout  time.Duration
}

// New собирает роутер. gatherer == nil означает prometheus.DefaultGatherer.
func New(logger *zap.Logger, gatherer prometheus.Gatherer, checks map[string]Pinger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger.Named("ops-api"),
		gatherer: gatherer,
		checks:   checks,
		timeout:  2 * time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ready", s.ready)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// ready опрашивает все зависимости; любая недоступная дает 503.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	status := make(map[string]string, len(s.checks))
	code := http.StatusOK
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
