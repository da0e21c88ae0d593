package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/models"
	policy_repo "github.com/questlog/vault-api/src/repository/policy"
	"github.com/questlog/vault-api/src/services/policy"
)

type PolicyCreateRequest struct {
	Version    string           `json:"version" binding:"required"`
	Algorithm  string           `json:"algorithm" binding:"required"`
	KDF        string           `json:"kdf" binding:"required"`
	KDFParams  models.KDFParams `json:"kdf_params" binding:"required"`
	SaltLength int              `json:"salt_length" binding:"required"`
	IVLength   int              `json:"iv_length" binding:"required"`
}

// PolicyHandler exposes the crypto policy registry.
type PolicyHandler struct {
	registry *policy.Registry
	logger   *logrus.Logger
}

func NewPolicyHandler(registry *policy.Registry, logger *logrus.Logger) *PolicyHandler {
	return &PolicyHandler{registry: registry, logger: logger}
}

// List returns all policy versions, current and deprecated.
func (h *PolicyHandler) List(c *gin.Context) {
	policies, err := h.registry.List(c.Request.Context())
	if err != nil {
		respondVaultError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

// Current returns the single policy used for new writes.
func (h *PolicyHandler) Current(c *gin.Context) {
	p, err := h.registry.Current(c.Request.Context())
	if err != nil {
		respondVaultError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Create rolls out a new current policy version.
func (h *PolicyHandler) Create(c *gin.Context) {
	var req PolicyCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid policy payload"})
		return
	}

	p := models.CryptoPolicy{
		Version:    req.Version,
		Algorithm:  req.Algorithm,
		KDF:        req.KDF,
		SaltLength: req.SaltLength,
		IVLength:   req.IVLength,
	}
	if err := p.SetParams(req.KDFParams); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kdf params"})
		return
	}

	if err := h.registry.Rollout(c.Request.Context(), &p); err != nil {
		if errors.Is(err, policy_repo.ErrPolicyExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "policy version already exists",
				"code":  "POLICY_EXISTS",
			})
			return
		}
		// Validation failures are client errors; they name the offending
		// field, nothing secret.
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

// Deprecate marks a non-current version deprecated; records written under it
// stay decryptable.
func (h *PolicyHandler) Deprecate(c *gin.Context) {
	version := c.Param("version")

	if err := h.registry.Deprecate(c.Request.Context(), version); err != nil {
		if errors.Is(err, policy_repo.ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "policy version not found",
				"code":  "POLICY_NOT_FOUND",
			})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "policy deprecated", "version": version})
}
