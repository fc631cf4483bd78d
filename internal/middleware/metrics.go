package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/datashelf/gateway/internal/telemetry"
)

// noRoute labels requests that matched no registered route.
const noRoute = "<no-route>"

// MetricsMiddleware records http_requests_total and http_request_duration_seconds
// for every request. The path label is the matched route template (for example
// /api/v1/files/list/:adapterId) so object paths never become label values.
//
// Register it after gin.Recovery() so the status written by recovery is captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRoute
		}

		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
