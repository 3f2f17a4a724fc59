// Package server exposes the ablation controller and the numeric engines
// over HTTP.
//
// Routes:
//
//	GET  /health
//	GET  /metrics
//	POST /v1/berezinian            evaluate a supermatrix
//	POST /v1/contour               trace a contour over an activation batch
//	POST /v1/integral              integrate a field along a path
//	POST /v1/transform             unified transform of a tensor
//	GET  /v1/layers/:layer         current layer weights
//	POST /v1/layers/:layer/modify  transform one layer
//	POST /v1/modify                transform layers from cached activations
//	GET  /v1/activations           cached keys
//	PUT  /v1/activations/:key      cache a batch
//	DELETE /v1/activations         clear the cache
//	POST /v1/detect                pattern scores (transform or contour mode)
//	POST /v1/reset                 restore the original weights
//	GET  /v1/stats                 controller counters and options
//	GET  /v1/state                 download a state blob
//	PUT  /v1/state                 upload a state blob
//	GET  /v1/states                list named states
//	POST /v1/states/:name          save a named state
//	POST /v1/states/:name/load     load a named state
//	DELETE /v1/states/:name        delete a named state
//	POST /v1/ablate/contour        contour ablation along a direction
//	POST /v1/ablate/berezinian     super-projection ablation
//	POST /v1/ablate/geometric      geometric flow ablation
//	POST /v1/ablate/enhance        enhance a target in cached layers
//	POST /v1/scores                geometric scores per direction
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sbl8/superablate/core"
	"github.com/sbl8/superablate/logging"
	"github.com/sbl8/superablate/observability"
	"github.com/sbl8/superablate/runtime"
	"github.com/sbl8/superablate/store"
)

// Deps are the collaborators of a Server. Store may be nil, which disables
// the named-state routes.
type Deps struct {
	Controller *runtime.Controller
	Store      *store.Store
	Metrics    *observability.Metrics
	Logger     *logging.Logger
}

// Server serves the HTTP API.
type Server struct {
	controller *runtime.Controller
	store      *store.Store
	metrics    *observability.Metrics
	logger     *logging.Logger
	tracer     trace.Tracer

	mu        sync.Mutex
	lastEdits int64
}

var errNoStore = errors.New("state storage is not configured")

// New validates deps and returns a Server.
func New(deps Deps) (*Server, error) {
	if deps.Controller == nil {
		return nil, errors.New("controller is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &Server{
		controller: deps.Controller,
		store:      deps.Store,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		tracer:     observability.Tracer(),
		lastEdits:  deps.Controller.Stats().Edits,
	}, nil
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), s.accessLog())

	router.GET("/health", healthCheck)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/berezinian", s.handleBerezinian)
		v1.POST("/contour", s.handleContour)
		v1.POST("/integral", s.handleIntegral)
		v1.POST("/transform", s.handleTransform)
		v1.POST("/detect", s.handleDetect)
		v1.POST("/reset", s.handleReset)
		v1.GET("/stats", s.handleStats)
		v1.POST("/modify", s.handleModify)
		v1.POST("/scores", s.handleScores)

		layers := v1.Group("/layers")
		{
			layers.GET("/:layer", s.handleGetLayer)
			layers.POST("/:layer/modify", s.handleModifyLayer)
		}
		acts := v1.Group("/activations")
		{
			acts.GET("", s.handleCacheKeys)
			acts.PUT("/:key", s.handleCacheActivation)
			acts.DELETE("", s.handleClearCache)
		}
		v1.GET("/state", s.handleDownloadState)
		v1.PUT("/state", s.handleUploadState)
		states := v1.Group("/states")
		{
			states.GET("", s.handleListStates)
			states.POST("/:name", s.handleSaveState)
			states.POST("/:name/load", s.handleLoadState)
			states.DELETE("/:name", s.handleDeleteState)
		}
		ablate := v1.Group("/ablate")
		{
			ablate.POST("/contour", s.handleContourAblation)
			ablate.POST("/berezinian", s.handleBerezinianAblation)
			ablate.POST("/geometric", s.handleGeometricAblation)
			ablate.POST("/enhance", s.handleEnhance)
		}
	}
	return router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFor maps an error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrShapeMismatch), errors.Is(err, core.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errNoStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// run executes one traced, measured operation and writes its result.
func (s *Server) run(c *gin.Context, op string, fn func(ctx context.Context) (any, error)) {
	ctx, span := s.tracer.Start(c.Request.Context(), op,
		trace.WithAttributes(attribute.String("request_id", c.GetString(requestIDKey))))
	defer span.End()

	start := time.Now()
	out, err := fn(ctx)
	s.metrics.Observe(op, start, err)
	s.syncMetrics()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("operation failed", "operation", op, "request_id", c.GetString(requestIDKey), "error", err)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if out == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) syncMetrics() {
	stats := s.controller.Stats()
	s.mu.Lock()
	if d := stats.Edits - s.lastEdits; d > 0 {
		s.metrics.LayerEditsTotal.Add(float64(d))
	}
	s.lastEdits = stats.Edits
	s.mu.Unlock()
	s.metrics.CachedBatches.Set(float64(len(s.controller.CacheKeys())))
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
