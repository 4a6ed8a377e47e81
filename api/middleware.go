package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-supervisor/chain"
	"github.com/wippyai/wasm-supervisor/errors"
)

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic recovered", zap.Any("error", r), zap.String("path", c.Request.URL.Path))
				c.AbortWithStatusJSON(http.StatusInternalServerError, &chain.Failure{
					Kind:    errors.KindInternal,
					Hop:     0,
					Message: "internal server error",
					Node:    s.cfg.Device.ID,
				})
			}
		}()
		c.Next()
	}
}

// observe logs each request and counts it by route.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = routeInvoke
		}
		status := c.Writer.Status()
		s.metrics.RecordHTTPRequest(c.Request.Method, route, status)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", c.ClientIP()),
		}
		if id := c.Writer.Header().Get(chain.HeaderRequestID); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		if status >= http.StatusInternalServerError {
			s.logger.Warn("request", fields...)
			return
		}
		s.logger.Debug("request", fields...)
	}
}

// limit applies the token bucket to client invocations.
func (s *Server) limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || chain.IsChained(c.Request.Header) {
			c.Next()
			return
		}
		if !s.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, &chain.Result{
				Failure: &chain.Failure{
					Kind:    errors.KindResourceExhausted,
					Hop:     0,
					Message: "rate limit exceeded",
					Node:    s.cfg.Device.ID,
				},
			})
			return
		}
		c.Next()
	}
}

// StatusOf maps a failure kind to the HTTP status that reports it.
func StatusOf(kind errors.Kind) int {
	switch kind {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindDeploymentFailed:
		return http.StatusConflict
	case errors.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case errors.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case errors.KindTransport, errors.KindRemoteFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail answers a non-invocation request with {kind, hop, message}.
func (s *Server) fail(c *gin.Context, err error) {
	f := chain.FailureOf(err, 0)
	f.Node = s.cfg.Device.ID
	c.AbortWithStatusJSON(StatusOf(f.Kind), f)
}
