// Package httpapi exposes the dispatch service over a small JSON admin API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatcher/internal/dispatch"
	"github.com/example/notification-dispatcher/internal/metrics"
	"github.com/example/notification-dispatcher/internal/tracking"
	"github.com/example/notification-dispatcher/internal/transport"
)

const maxBatchRequests = 500

// Dispatcher is the part of dispatch.Service the API serves.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
	SendBatch(ctx context.Context, reqs []dispatch.Request) []dispatch.Result
	GetStatus(ctx context.Context, id string) (tracking.Record, error)
	GetAllTracking(ctx context.Context) ([]tracking.Record, error)
	Prune(ctx context.Context, olderThanDays int) (int, error)
	RecordBounce(ctx context.Context, id, reason string) (tracking.Record, error)
	Mode() transport.Mode
}

// Options configures the API.
type Options struct {
	// RetentionDays is used by prune when the caller names no window.
	RetentionDays int
	RateLimit     RateLimitConfig
	Logger        zerolog.Logger
}

// Server owns the gin engine and the limiter behind it.
type Server struct {
	svc       Dispatcher
	retention int
	engine    *gin.Engine
	limiter   *IPRateLimiter
	logger    zerolog.Logger
}

// New builds the router. Close releases the limiter.
func New(svc Dispatcher, opts Options) *Server {
	logger := opts.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	retention := opts.RetentionDays
	if retention < 1 {
		retention = tracking.DefaultRetentionDays
	}

	s := &Server{
		svc:       svc,
		retention: retention,
		engine:    gin.New(),
		limiter:   NewIPRateLimiter(opts.RateLimit),
		logger:    logger.With().Str("component", "httpapi").Logger(),
	}
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Close stops background work owned by the server.
func (s *Server) Close() { s.limiter.Stop() }

func (s *Server) routes() {
	s.engine.Use(gin.Recovery(), s.accessLog())

	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.engine.Group("/v1", s.limiter.Middleware())
	v1.POST("/messages", s.send)
	v1.POST("/messages/batch", s.sendBatch)
	v1.GET("/deliveries", s.listDeliveries)
	v1.POST("/deliveries/prune", s.prune)
	v1.GET("/deliveries/:id", s.getDelivery)
	v1.POST("/deliveries/:id/bounce", s.bounce)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request handled")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": s.svc.Mode().String()})
}

func (s *Server) send(c *gin.Context) {
	var req dispatch.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.svc.Send(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

func (s *Server) sendBatch(c *gin.Context) {
	var body struct {
		Messages []dispatch.Request `json:"messages"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if len(body.Messages) == 0 || len(body.Messages) > maxBatchRequests {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must hold between 1 and " + strconv.Itoa(maxBatchRequests) + " requests"})
		return
	}
	results := s.svc.SendBatch(c.Request.Context(), body.Messages)
	sent := 0
	for _, r := range results {
		if r.Success {
			sent++
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "sent": sent, "failed": len(results) - sent})
}

func (s *Server) listDeliveries(c *gin.Context) {
	records, err := s.svc.GetAllTracking(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := records[:0]
		for _, r := range records {
			if string(r.Status) == status {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []tracking.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": records, "count": len(records)})
}

func (s *Server) getDelivery(c *gin.Context) {
	rec, err := s.svc.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) bounce(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
	}
	rec, err := s.svc.RecordBounce(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) prune(c *gin.Context) {
	days := s.retention
	if raw := c.Query("older_than_days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "older_than_days must be an integer"})
			return
		}
		days = v
	}
	removed, err := s.svc.Prune(c.Request.Context(), days)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "olderThanDays": days})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, tracking.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tracking.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body: " + err.Error()})
}
