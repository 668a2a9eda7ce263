package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	serviceKey = "nodus.service"
	// unmatchedRoute labels requests no route matched, keeping raw URLs out
	// of metric labels.
	unmatchedRoute = "unmatched"
)

// TagService marks requests on a service's route group so access logs can
// name the service.
func TagService(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(serviceKey, name)
		c.Next()
	}
}

func route(c *gin.Context) string {
	if r := c.FullPath(); r != "" {
		return r
	}
	return unmatchedRoute
}

// AccessLog logs one line per request, at warn for 4xx and error for 5xx.
// Requests routed to a service carry its name and the command.
func AccessLog(logger zerolog.Logger, iface string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}

		event = event.
			Str("interface", iface).
			Str("method", c.Request.Method).
			Str("route", route(c)).
			Int("status", status).
			Dur("duration", time.Since(start))
		if svc := c.GetString(serviceKey); svc != "" {
			event = event.Str("service", svc)
			if cmd := c.Param("command"); cmd != "" {
				event = event.Str("command", cmd)
			}
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.Msg("request")
	}
}

// RouteMetrics counts requests per matched route template.
func RouteMetrics(iface string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(iface, c.Request.Method, route(c), c.Writer.Status(), time.Since(start))
	}
}
