package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	vault_repo "github.com/questlog/vault-api/src/repository/vault"
	"github.com/questlog/vault-api/src/services/search"
	"github.com/questlog/vault-api/src/services/security"
	"github.com/questlog/vault-api/src/services/vault"
)

// respondVaultError maps the service error taxonomy to HTTP. Every mapping
// keeps the body free of cryptographic detail: the caller learns the kind of
// failure, never which byte or parameter caused it.
func respondVaultError(c *gin.Context, logger *logrus.Logger, err error) {
	switch {
	case errors.Is(err, vault.ErrVaultNotProvisioned):
		c.JSON(http.StatusPreconditionFailed, gin.H{
			"error": "vault is not set up yet",
			"code":  "VAULT_NOT_PROVISIONED",
		})
	case errors.Is(err, vault.ErrVaultAlreadyProvisioned):
		c.JSON(http.StatusConflict, gin.H{
			"error": "vault is already set up",
			"code":  "VAULT_ALREADY_PROVISIONED",
		})
	case errors.Is(err, vault.ErrVaultLocked):
		c.JSON(http.StatusLocked, gin.H{
			"error":      "vault is locked, retry after unlock",
			"code":       "VAULT_LOCKED",
			"retry_hint": "unlock the vault and retry the request",
		})
	case errors.Is(err, vault.ErrPassphraseMismatch):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "passphrase verification failed",
			"code":  "PASSPHRASE_MISMATCH",
		})
	case errors.Is(err, vault.ErrTooManyAttempts):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "too many unlock attempts, try again later",
			"code":  "TOO_MANY_ATTEMPTS",
		})
	case errors.Is(err, security.ErrTamperDetected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "this item may be corrupted",
			"code":  "TAMPER_DETECTED",
		})
	case errors.Is(err, security.ErrPolicyVersionUnsupported):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "record uses an unsupported crypto policy version",
			"code":  "POLICY_VERSION_UNSUPPORTED",
		})
	case errors.Is(err, search.ErrIndexRebuild):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "index rebuild failed, retry or re-unlock",
			"code":  "INDEX_REBUILD_FAILED",
		})
	case errors.Is(err, vault_repo.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "record not found",
			"code":  "RECORD_NOT_FOUND",
		})
	default:
		logger.WithError(err).Error("Unhandled vault error")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
			"code":  "INTERNAL_ERROR",
		})
	}
}
