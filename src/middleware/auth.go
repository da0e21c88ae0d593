package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/services/security"
)

const (
	ctxAccountID = "account_id"
	ctxDeviceID  = "device_id"
)

// Auth validates the bearer token and attaches the caller's account and
// device ids to the request context. Session issuance lives in the auth tier;
// this API only consumes tokens.
func Auth(jwtService *security.JWTService, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
				"code":  "AUTH_REQUIRED",
			})
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			logger.WithFields(logrus.Fields{
				"ip":         c.ClientIP(),
				"path":       c.Request.URL.Path,
				"request_id": c.GetString(ctxRequestID),
			}).Warn("Rejected invalid bearer token")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
				"code":  "AUTH_INVALID",
			})
			c.Abort()
			return
		}

		accountID, err := uuid.Parse(claims.AccountID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
				"code":  "AUTH_INVALID",
			})
			c.Abort()
			return
		}

		c.Set(ctxAccountID, accountID)
		c.Set(ctxDeviceID, claims.DeviceID)
		c.Next()
	}
}

// AccountID extracts the authenticated account id set by Auth.
func AccountID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ctxAccountID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// DeviceID extracts the caller's device id, empty when the token carries none.
func DeviceID(c *gin.Context) string {
	return c.GetString(ctxDeviceID)
}
