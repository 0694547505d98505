package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dbquery/dbquery/internal/telemetry"
)

// UnmatchedRoute is the path label for requests that matched no route.
const UnmatchedRoute = "unmatched"

// MetricsMiddleware records http_requests_total{method, path, status} and
// http_request_duration_seconds{method, path}. The path label is the matched
// route template such as /api/v1/admin/dbquery/history/:id, never the raw URL.
// Requests whose route is listed in skipRoutes are not recorded.
func MetricsMiddleware(skipRoutes ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(skipRoutes))
	for _, r := range skipRoutes {
		skip[r] = true
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if skip[route] {
			return
		}
		if route == "" {
			route = UnmatchedRoute
		}

		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
