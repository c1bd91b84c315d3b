package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ziqrishahab/pelaris-edge/pkg/logger"
)

// Probe and scrape endpoints are polled constantly; logging them would
// drown the agent's actual activity.
var skipLogPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

func shouldLog(path string) bool {
	_, skip := skipLogPaths[path]
	return !skip
}

// Logger writes a concise structured access log for each request.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		if !shouldLog(path) {
			return
		}

		logger.WithComponent("http").Info("request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
