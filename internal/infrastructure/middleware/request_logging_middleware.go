package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/maartenbreddels/ipywebrtc/pkg/errors"
	"github.com/maartenbreddels/ipywebrtc/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

// RequestLoggingMiddleware tags each request with a request id and logs it
// once it completes. Entries carry the request, trace, client and entity ids
// found on the request context. Failed requests are logged with their error.
// It must run inside TracingMiddleware for the trace id to be present.
func RequestLoggingMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), "request_id", requestID))

		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = context.WithValue(ctx, "trace_id", sc.TraceID().String())
		}
		if id := c.Param("id"); id != "" {
			ctx = context.WithValue(ctx, "entity_id", id)
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		if !c.Writer.Written() && len(c.Errors) > 0 {
			// ErrorHandlerMiddleware writes the response after this returns
			status = errors.FromDomain(c.Errors.Last().Err).HTTPStatus
		}
		if status >= http.StatusInternalServerError && len(c.Errors) > 0 {
			cl.LogError(ctx, c.Errors.Last().Err, "request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.Int("status_code", status),
			)
			return
		}
		cl.LogRequest(ctx, c.Request.Method, path, status, time.Since(start).Milliseconds())
	}
}
