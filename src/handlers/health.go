package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HealthChecker is implemented by dependencies that can be probed.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Health reports API liveness and the state of its dependencies. Redis is
// optional (the attempt limiter fails open without it), so a redis outage
// degrades the response but keeps the status code at 200.
func Health(db HealthChecker, redis HealthChecker, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		dependencies := gin.H{}
		healthy := true
		degraded := false

		if db == nil {
			dependencies["database"] = "unhealthy"
			healthy = false
		} else if err := db.HealthCheck(ctx); err != nil {
			logger.WithError(err).Error("PostgreSQL health check failed")
			dependencies["database"] = "unhealthy"
			healthy = false
		} else {
			dependencies["database"] = "ok"
		}

		if redis == nil {
			dependencies["redis"] = "disabled"
		} else if err := redis.HealthCheck(ctx); err != nil {
			logger.WithError(err).Warn("Redis health check failed")
			dependencies["redis"] = "unhealthy"
			degraded = true
		} else {
			dependencies["redis"] = "ok"
		}

		status := gin.H{
			"status":       "ok",
			"timestamp":    time.Now().Format(time.RFC3339),
			"service":      "vault-api",
			"dependencies": dependencies,
		}

		switch {
		case !healthy:
			status["status"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, status)
		case degraded:
			status["status"] = "degraded"
			c.JSON(http.StatusOK, status)
		default:
			c.JSON(http.StatusOK, status)
		}
	}
}
