package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/ingest/config"
	"example.com/backstage/ingest/internal/metrics"
	"example.com/backstage/ingest/internal/services"
	"example.com/backstage/ingest/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// HealthCheck probes one dependency for /health
type HealthCheck struct {
	Component string
	Check     func(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	config       config.Config
	router       *gin.Engine
	httpServer   *http.Server
	eventHandler *EventHandler
	metrics      *metrics.Metrics
	tracer       tracing.Tracer
	checks       []HealthCheck
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, processor *services.EventProcessor, aggregator *services.Aggregator, m *metrics.Metrics, tracer tracing.Tracer, checks ...HealthCheck) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		config:       cfg,
		eventHandler: NewEventHandler(processor, aggregator),
		metrics:      m,
		tracer:       tracer,
		checks:       checks,
	}
	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           server.router,
		ReadHeaderTimeout: cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
	}

	return server
}

// Router exposes the configured router
func (s *Server) Router() *gin.Engine {
	return s.router
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	if s.tracer != nil {
		if app := s.tracer.Application(); app != nil {
			router.Use(nrgin.Middleware(app))
		}
	}
	router.Use(TimeoutMiddleware(s.config.Server.RequestTimeout))

	s.eventHandler.RegisterRoutes(router)

	router.GET("/health", s.health)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	return router
}

func (s *Server) health(c *gin.Context) {
	components := make(map[string]string, len(s.checks))
	status := http.StatusOK

	for _, hc := range s.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := hc.Check(ctx)
		cancel()

		s.metrics.SetHealth(hc.Component, err == nil)
		if err != nil {
			components[hc.Component] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[hc.Component] = "ok"
	}

	body := gin.H{
		"status":     "ok",
		"components": components,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if s.metrics != nil {
		body["uptime"] = s.metrics.Uptime().Round(time.Second).String()
	}
	c.JSON(status, body)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
