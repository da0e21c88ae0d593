package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/services/vault"
)

// WriteGuard rejects protected operations while the vault is locked. It
// consults the authoritative lock state on every request, never a cached
// flag, so a lock set by another device takes effect here immediately. The
// bounded staleness window (at most one poll interval) applies only to
// devices holding a volatile session, not to this guard.
//
// A locked vault gets a 423 with a retry hint and the request body is never
// read, so no side effect can precede the rejection.
func WriteGuard(controller *vault.Controller, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := AccountID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
				"code":  "AUTH_REQUIRED",
			})
			c.Abort()
			return
		}

		state, err := controller.State(c.Request.Context(), accountID)
		if err != nil {
			if errors.Is(err, vault.ErrVaultNotProvisioned) {
				c.JSON(http.StatusPreconditionFailed, gin.H{
					"error": "vault is not set up yet",
					"code":  "VAULT_NOT_PROVISIONED",
				})
				c.Abort()
				return
			}
			logger.WithError(err).WithField("request_id", c.GetString(ctxRequestID)).Error("Write guard state read failed")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to read vault state",
				"code":  "INTERNAL_ERROR",
			})
			c.Abort()
			return
		}

		if state.Locked() {
			c.JSON(http.StatusLocked, gin.H{
				"error":       "vault is locked, retry after unlock",
				"code":        "VAULT_LOCKED",
				"locked_at":   state.LockedAt,
				"lock_reason": state.LockReason,
				"retry_hint":  "unlock the vault and retry the request",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
