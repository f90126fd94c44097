// Package http serves a read-only API over a persisted run report.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/escalation"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/provenance"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
	"github.com/fyrsmithlabs/conveyor/internal/report"
)

// maxBodySize bounds POSTed reports.
const maxBodySize = "4M"

// Server provides HTTP endpoints over one report file. The file is re-read on
// every request so a re-run is visible without a restart.
type Server struct {
	echo    *echo.Echo
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// ReportPath is the report file or the directory containing it.
	ReportPath    string
	RiskThreshold uint32
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// NewServer creates a new HTTP server.
func NewServer(logger *zap.Logger, cfg *Config) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.ReportPath == "" {
		return nil, fmt.Errorf("report path is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 9191
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.MetricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.config.MetricsHandler))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/report", s.handleReport)
	v1.GET("/report/risk", s.handleRisk)
	v1.GET("/report/escalations", s.handleEscalations)
	v1.GET("/report/provenance/validate", s.handleProvenance)
	v1.GET("/report/schema", s.handleSchema)
	v1.POST("/report/validate", s.handleValidate)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ProvenanceResponse is the response body for GET /api/v1/report/provenance/validate.
type ProvenanceResponse struct {
	RunID    string `json:"run_id"`
	Records  int    `json:"records"`
	Complete bool   `json:"complete"`
	Error    string `json:"error,omitempty"`
}

// ValidateResponse is the response body for POST /api/v1/report/validate.
type ValidateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleReport(c echo.Context) error {
	r, err := s.load()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleRisk(c echo.Context) error {
	r, err := s.load()
	if err != nil {
		return err
	}
	threshold := s.config.RiskThreshold
	if raw := c.QueryParam("threshold"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "threshold must be a non-negative integer")
		}
		threshold = uint32(v)
	}
	return c.JSON(http.StatusOK, prrisk.Compute(r, threshold))
}

func (s *Server) handleEscalations(c echo.Context) error {
	r, err := s.load()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, escalation.Route(r))
}

func (s *Server) handleProvenance(c echo.Context) error {
	r, err := s.load()
	if err != nil {
		return err
	}
	resp := ProvenanceResponse{RunID: r.RunID, Records: len(r.ProvenanceRecords), Complete: true}
	if err := provenance.ValidateChainCompleteness(r.ProvenanceRecords); err != nil {
		resp.Complete = false
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSchema(c echo.Context) error {
	return c.Blob(http.StatusOK, "application/schema+json", report.Schema())
}

// handleValidate checks a posted report against the schema without touching
// the served file.
func (s *Server) handleValidate(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		s.logger.Warn("reading validate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is required")
	}
	if err := report.ValidateJSON(body); err != nil {
		return c.JSON(http.StatusOK, ValidateResponse{Valid: false, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, ValidateResponse{Valid: true})
}

func (s *Server) load() (*orchestrator.RunReport, error) {
	r, err := report.Read(s.config.ReportPath)
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, echo.NewHTTPError(http.StatusNotFound, "no run report found")
	case errors.Is(err, report.ErrSchemaViolation):
		s.logger.Warn("served report is invalid", zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("reading run report", zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to read run report")
	}
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
