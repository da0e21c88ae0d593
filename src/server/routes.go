package server

import (
	"github.com/gin-gonic/gin"

	"github.com/questlog/vault-api/src/config"
	"github.com/questlog/vault-api/src/handlers"
	"github.com/questlog/vault-api/src/middleware"
	"github.com/questlog/vault-api/src/middleware/logic"
)

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	// A typed nil must not reach the interface parameter.
	var redisCheck handlers.HealthChecker
	if s.redis != nil {
		redisCheck = s.redis
	}
	s.router.GET("/health", handlers.Health(s.db, redisCheck, s.logger))

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.Auth(s.jwtService, s.logger))

	s.setupVaultRoutes(v1)
	s.setupRecordRoutes(v1)
	s.setupPolicyRoutes(v1)
}

func (s *Server) setupVaultRoutes(v1 *gin.RouterGroup) {
	// Unlock and setup carry passphrases; a tight per-IP budget slows
	// brute forcing before the per-vault counter even engages.
	passphraseLimiter := logic.NewRateLimiter(&config.Config{RateLimitPerMin: 10})

	vaultGroup := v1.Group("/vault")
	{
		vaultGroup.POST("/setup",
			passphraseLimiter.Middleware(),
			handlers.VaultSetupHandler(s.lockController, s.logger),
		)
		vaultGroup.POST("/unlock",
			passphraseLimiter.Middleware(),
			handlers.VaultUnlockHandler(s.lockController, s.logger),
		)
		vaultGroup.POST("/lock", handlers.VaultLockHandler(s.lockController, s.logger))
		vaultGroup.GET("/state", handlers.VaultStateHandler(s.lockController, s.logger))
	}
}

func (s *Server) setupRecordRoutes(v1 *gin.RouterGroup) {
	guard := middleware.WriteGuard(s.lockController, s.logger)

	recordsGroup := v1.Group("/records")
	{
		// Reads of envelopes and metadata work while locked; decryption
		// paths fail with a 423 from the controller on their own.
		recordsGroup.GET("", s.recordHandler.List)
		recordsGroup.GET("/:id", s.recordHandler.Get)

		// Every mutating route sits behind the write guard.
		recordsGroup.POST("", guard, s.recordHandler.Create)
		recordsGroup.PUT("/:id", guard, s.recordHandler.Update)
		recordsGroup.PATCH("/:id/metadata", guard, s.recordHandler.UpdateMetadata)
		recordsGroup.DELETE("/:id", guard, s.recordHandler.Delete)
	}

	v1.GET("/search", handlers.SearchHandler(s.lockController, s.logger))
	v1.POST("/search/refresh", handlers.SearchRefreshHandler(s.lockController, s.logger))
}

func (s *Server) setupPolicyRoutes(v1 *gin.RouterGroup) {
	policiesGroup := v1.Group("/crypto-policies")
	{
		policiesGroup.GET("", s.policyHandler.List)
		policiesGroup.GET("/current", s.policyHandler.Current)
		policiesGroup.POST("", s.policyHandler.Create)
		policiesGroup.POST("/:version/deprecate", s.policyHandler.Deprecate)
	}
}
