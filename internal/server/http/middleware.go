package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"edgeai/internal/logging"
	"edgeai/internal/observability"
	id "edgeai/internal/utils/id"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

const correlationKey = "correlation_id"

// correlationMiddleware adopts the caller's correlation id or mints one, and
// puts it on the request context so it reaches tasks and logs.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(CorrelationHeader))
		if cid == "" || len(cid) > 128 {
			cid = id.NewCorrelationID()
		}
		c.Set(correlationKey, cid)
		c.Header(CorrelationHeader, cid)
		c.Request = c.Request.WithContext(id.WithCorrelationID(c.Request.Context(), cid))
		c.Next()
	}
}

func recoveryMiddleware(logger logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.FromContext(c.Request.Context(), logger).Error("Panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		writeProblem(c, http.StatusInternalServerError, "internal", "internal server error")
	})
}

func tracingMiddleware(tracer *observability.TracerProvider) gin.HandlerFunc {
	if tracer == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		ctx, span := tracer.StartSpan(c.Request.Context(), observability.SpanHTTPServer,
			attribute.String("http.method", c.Request.Method),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

// latencyMiddleware logs one line per request. Event streams are logged when
// they close.
func latencyMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		logging.FromContext(c.Request.Context(), logger).Debug(
			"route=%s method=%s status=%d latency_ms=%.2f bytes=%d",
			route,
			c.Request.Method,
			c.Writer.Status(),
			float64(time.Since(start).Microseconds())/1000.0,
			c.Writer.Size(),
		)
	}
}
