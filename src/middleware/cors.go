package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/config"
)

// CORS applies a strict origin whitelist. An empty whitelist denies every
// cross-origin request; there is no wildcard mode.
func CORS(cfg *config.Config, logger *logrus.Logger) gin.HandlerFunc {
	allowed := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		switch {
		case origin == "":
			// Same-origin or non-browser client.
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin, X-Request-ID, X-Device-ID")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Max-Age", "86400")
		default:
			logger.WithFields(logrus.Fields{
				"origin":     origin,
				"ip":         c.ClientIP(),
				"path":       c.Request.URL.Path,
				"request_id": c.GetString(ctxRequestID),
			}).Warn("CORS: rejected origin not in whitelist")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
