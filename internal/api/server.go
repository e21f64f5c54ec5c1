// Package api is the HTTP front end: definition intake, execution
// lifecycle requests, and read-only queries over committed state.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskmill/taskmill/internal/services"
	"github.com/taskmill/taskmill/pkg/config"
	"github.com/taskmill/taskmill/pkg/observability"
)

// HealthCheck names a dependency and how to probe it.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server hosts the REST API.
type Server struct {
	cfg     config.APIConfig
	router  *gin.Engine
	server  *http.Server
	service *services.ExecutionService
	health  []HealthCheck
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewServer builds the router and the underlying http.Server.
func NewServer(
	cfg config.APIConfig,
	service *services.ExecutionService,
	health []HealthCheck,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		cfg:     cfg,
		router:  router,
		service: service,
		health:  health,
		logger:  logger,
		metrics: metrics,
	}

	router.Use(RequestID())
	router.Use(RequestLogger(logger))
	router.Use(Recovery(logger))
	if cfg.EnableCORS {
		router.Use(CORS())
	}

	router.GET("/healthz", s.handleHealth)

	base := cfg.BasePath
	if base == "" {
		base = "/api/v1"
	}
	v1 := router.Group(base)
	v1.Use(RateLimit(cfg.RateLimit))
	{
		v1.POST("/definitions", s.handleRegisterDefinition)
		v1.GET("/definitions", s.handleListDefinitions)
		v1.GET("/definitions/:id", s.handleGetDefinition)

		v1.POST("/executions", s.handleStartExecution)
		v1.GET("/executions", s.handleListExecutions)
		v1.GET("/executions/:id", s.handleGetExecution)
		v1.GET("/executions/:id/tasks", s.handleListTaskExecutions)
		v1.POST("/executions/:id/cancel", s.handleCancelExecution)
		v1.POST("/executions/:id/pause", s.handlePauseExecution)
		v1.POST("/executions/:id/resume", s.handleResumeExecution)
		v1.DELETE("/executions/:id", s.handleDeleteExecution)
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router, mainly to tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API listening", map[string]interface{}{"address": s.cfg.ListenAddress})
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.health))
	for _, check := range s.health {
		if err := check.Check(ctx); err != nil {
			checks[check.Name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks[check.Name] = "ok"
		}
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}
