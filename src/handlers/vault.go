package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/middleware"
	"github.com/questlog/vault-api/src/models"
	"github.com/questlog/vault-api/src/services/vault"
)

type VaultSetupRequest struct {
	Passphrase string `json:"passphrase" binding:"required,min=8"`
}

type VaultUnlockRequest struct {
	Passphrase string `json:"passphrase" binding:"required"`
}

type VaultLockRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// VaultSetupHandler provisions a vault for the authenticated account.
// The passphrase is used once to seal the verification canary and never
// stored.
func VaultSetupHandler(controller *vault.Controller, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, _ := middleware.AccountID(c)

		var req VaultSetupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: passphrase required (min 8 characters)"})
			return
		}

		v, err := controller.Setup(c.Request.Context(), accountID, req.Passphrase)
		if err != nil {
			respondVaultError(c, logger, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"message":        "vault provisioned",
			"policy_version": v.CryptoPolicyVersion,
			"locked":         true,
		})
	}
}

// VaultUnlockHandler verifies the passphrase and opens a session. The
// response reports success and the index rebuild outcome; no key material is
// ever transmitted.
func VaultUnlockHandler(controller *vault.Controller, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, _ := middleware.AccountID(c)

		var req VaultUnlockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: passphrase required"})
			return
		}

		report, err := controller.Unlock(c.Request.Context(), accountID, req.Passphrase, middleware.DeviceID(c))
		if err != nil {
			respondVaultError(c, logger, err)
			return
		}

		resp := gin.H{"message": "vault unlocked"}
		if report != nil {
			resp["index"] = report
		}
		c.JSON(http.StatusOK, resp)
	}
}

// VaultLockHandler locks the vault with a validated reason code and returns
// the updated authoritative state.
func VaultLockHandler(controller *vault.Controller, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, _ := middleware.AccountID(c)

		var req VaultLockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: reason required"})
			return
		}

		reason, err := models.ParseLockReason(req.Reason)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":         err.Error(),
				"valid_reasons": models.ValidLockReasons,
			})
			return
		}

		state, err := controller.Lock(c.Request.Context(), accountID, reason, middleware.DeviceID(c))
		if err != nil {
			respondVaultError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

// VaultStateHandler is the poll endpoint every device hits on its interval.
// Response shape: { locked_at, lock_reason }.
func VaultStateHandler(controller *vault.Controller, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, _ := middleware.AccountID(c)

		state, err := controller.State(c.Request.Context(), accountID)
		if err != nil {
			respondVaultError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, state)
	}
}
