// Package api serves the operator HTTP interface of the failover daemon.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/FairForge/failover/internal/audit"
	"github.com/FairForge/failover/internal/ha"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config configures the operator API
type Config struct {
	Port int
	// JWTSigningKey enables HS256 bearer auth on mutating routes when set
	JWTSigningKey string
	RateLimit     float64
	RateBurst     int
}

// Deps are the components the API exposes. Drills, RTO, History and
// Gatherer are optional.
type Deps struct {
	Orchestrator *ha.Orchestrator
	Drills       *ha.DrillScheduler
	RTO          *ha.RTORPOTracker
	History      audit.Store
	Gatherer     prometheus.Gatherer
}

type Server struct {
	config     Config
	deps       Deps
	logger     *zap.Logger
	router     chi.Router
	limiter    *RateLimiter
	httpServer *http.Server
	startTime  time.Time

	// drillCtx outlives requests so an accepted drill is not cut short
	drillCtx context.Context
}

// NewServer builds the router. ctx bounds background drills started
// through the API.
func NewServer(ctx context.Context, config Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("api: orchestrator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:    config,
		deps:      deps,
		logger:    logger.Named("api"),
		router:    chi.NewRouter(),
		limiter:   NewRateLimiter(config.RateLimit, config.RateBurst),
		startTime: time.Now(),
		drillCtx:  ctx,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/failovers", s.handleListFailovers)
		r.Get("/failovers/active", s.handleActiveFailover)
		r.Get("/failovers/{id}", s.handleGetFailover)
		r.Get("/regions", s.handleListRegions)
		r.Get("/drills", s.handleListDrills)
		r.Get("/slo", s.handleSLO)

		r.Group(func(r chi.Router) {
			r.Use(JWTMiddleware(s.config.JWTSigningKey))
			r.Use(RateLimitMiddleware(s.limiter))

			r.Post("/failovers", s.handleTriggerFailover)
			r.Post("/failovers/{id}/cancel", s.handleCancelFailover)
			r.Post("/regions/{id}/rejoin", s.handleRejoinRegion)
			r.Post("/acknowledge", s.handleAcknowledge)
			r.Post("/drills", s.handleRunDrill)
		})
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("operator API listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"dataset": s.deps.Orchestrator.Dataset(),
		"uptime":  time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("API error", zap.Error(err), zap.Int("status", status))
	} else {
		s.logger.Debug("API error", zap.Error(err), zap.Int("status", status))
	}
	s.respondJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}
