package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

const loggerKey = "logger"

// LoggerMiddleware writes one structured line per request and stores a
// request-scoped *slog.Logger carrying request_id for handlers to use.
// Paths in skip (for example /health) are not logged.
func LoggerMiddleware(base *slog.Logger, skip ...string) gin.HandlerFunc {
	if base == nil {
		base = slog.Default()
	}
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		logger := base.With("request_id", GetRequestID(c))
		c.Set(loggerKey, logger)

		c.Next()

		if _, ok := skipped[c.Request.URL.Path]; ok {
			return
		}

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"bytes", c.Writer.Size(),
		}
		if id, ok := GetUserID(c); ok {
			attrs = append(attrs, "user_id", id.String())
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			logger.Error("request", attrs...)
		case status >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

// RequestLogger returns the logger stored by LoggerMiddleware, falling back to
// slog.Default with the request id attached.
func RequestLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			return l
		}
	}
	if id := GetRequestID(c); id != "" {
		return slog.Default().With("request_id", id)
	}
	return slog.Default()
}
