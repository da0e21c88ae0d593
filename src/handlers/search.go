package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/middleware"
	"github.com/questlog/vault-api/src/services/vault"
)

// SearchHandler queries the session-scoped token index. Results are record
// ids only; the caller already holds (or fetches) the plaintext it needs, so
// no decrypted content crosses this boundary.
func SearchHandler(controller *vault.Controller, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, _ := middleware.AccountID(c)

		term := c.Query("q")
		if term == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
			return
		}

		ids, err := controller.Search(c.Request.Context(), accountID, term)
		if err != nil {
			respondVaultError(c, logger, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"query":      term,
			"record_ids": ids,
			"count":      len(ids),
		})
	}
}

// SearchRefreshHandler forces a full index rebuild for the current session.
func SearchRefreshHandler(controller *vault.Controller, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, _ := middleware.AccountID(c)

		report, err := controller.RefreshIndex(c.Request.Context(), accountID)
		if err != nil {
			respondVaultError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "index rebuilt", "index": report})
	}
}
