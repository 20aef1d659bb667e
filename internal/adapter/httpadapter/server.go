// Package httpadapter exposes the pipeline trigger and the health, readiness
// and metrics endpoints over HTTP.
package httpadapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TuSKan/zarr-forecast/internal/pipeline"
)

// ErrBadRequest marks a missing or malformed trigger payload.
var ErrBadRequest = errors.New("bad request")

const dayLayout = "2006-01-02"

// Runner runs the daily pipeline.
type Runner interface {
	Run(ctx context.Context, today time.Time, forecast string) (string, error)
}

// ReadinessChecker reports whether the service can accept work.
type ReadinessChecker func(ctx context.Context) error

// Server serves the trigger and the operational endpoints.
type Server struct {
	httpServer *http.Server
	runner     Runner
	ready      ReadinessChecker
	runTimeout time.Duration
	running    atomic.Bool
	logger     *zap.Logger
}

// triggerRequest is the task payload enqueued for each day.
type triggerRequest struct {
	Today    string `json:"today" binding:"required,datetime=2006-01-02"`
	Forecast string `json:"forecast" binding:"required,oneof=tigge hres"`
}

// NewServer creates a server listening on addr. A nil ready checker always
// reports ready; a zero runTimeout leaves runs bounded only by the request.
func NewServer(addr string, runner Runner, ready ReadinessChecker, runTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ready == nil {
		ready = func(context.Context) error { return nil }
	}
	s := &Server{
		runner:     runner,
		ready:      ready,
		runTimeout: runTimeout,
		logger:     logger.With(zap.String("component", "http")),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests())
	router.POST("/", s.trigger)
	router.GET("/healthz", s.healthz)
	router.GET("/readyz", s.readyz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) trigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	today, err := time.Parse(dayLayout, req.Today)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	if !s.running.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "a run is already in progress"})
		return
	}
	defer s.running.Store(false)

	ctx := c.Request.Context()
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	s.logger.Info("payload", zap.String("today", req.Today), zap.String("forecast", req.Forecast))
	status, err := s.runner.Run(ctx, today, req.Forecast)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": status})
	case errors.Is(err, pipeline.ErrNotImplemented):
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrUnknownForecast):
		s.badRequest(c, err)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) badRequest(c *gin.Context, err error) {
	err = fmt.Errorf("%w: %w", ErrBadRequest, err)
	s.logger.Warn("rejected trigger", zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readyz(c *gin.Context) {
	if err := s.ready(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
