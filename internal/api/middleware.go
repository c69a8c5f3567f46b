package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	statusWarnThreshold  = 400
	statusErrorThreshold = 500
)

// quietRoutes are polled by infrastructure and only logged at debug level.
var quietRoutes = map[string]struct{}{
	"/healthz": {},
	"/metrics": {},
}

// ZerologLogger is a Gin middleware that logs requests using zerolog.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		evt := requestEvent(c.FullPath(), status)
		if orderID := c.Param("orderId"); orderID != "" {
			evt = evt.Str("order_id", orderID)
		}
		evt.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Str("user_agent", c.Request.UserAgent()).
			Msg("http request completed")
	}
}

func requestEvent(route string, status int) *zerolog.Event {
	switch {
	case status >= statusErrorThreshold:
		return log.Error()
	case status >= statusWarnThreshold:
		return log.Warn()
	}
	if _, quiet := quietRoutes[route]; quiet {
		return log.Debug()
	}
	return log.Info()
}
