package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/config"
	"github.com/questlog/vault-api/src/database"
	"github.com/questlog/vault-api/src/handlers"
	"github.com/questlog/vault-api/src/middleware"
	"github.com/questlog/vault-api/src/middleware/logic"
	policy_repo "github.com/questlog/vault-api/src/repository/policy"
	vault_repo "github.com/questlog/vault-api/src/repository/vault"
	"github.com/questlog/vault-api/src/scheduler"
	"github.com/questlog/vault-api/src/services/policy"
	"github.com/questlog/vault-api/src/services/security"
	"github.com/questlog/vault-api/src/services/vault"
)

// Server holds all dependencies for the vault API.
type Server struct {
	cfg    *config.Config
	logger *logrus.Logger
	router *gin.Engine
	db     *database.DB
	redis  *database.RedisClient
	dbx    *sqlx.DB

	// Repositories
	policyRepo *policy_repo.PolicyRepository
	vaultRepo  *vault_repo.VaultStateRepository
	recordRepo *vault_repo.RecordRepository

	// Services
	jwtService     *security.JWTService
	attemptLimiter *security.AttemptLimiter
	policyRegistry *policy.Registry
	lockController *vault.Controller

	// Handlers
	recordHandler *handlers.RecordHandler
	policyHandler *handlers.PolicyHandler

	idleSweep *scheduler.IdleSweep
}

// NewServer creates and initializes all server dependencies, failing fast on
// any unreachable dependency or invalid configuration.
func NewServer(cfg *config.Config, logger *logrus.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	if err := s.initDatabase(); err != nil {
		return nil, fmt.Errorf("database init failed: %w", err)
	}
	if err := s.initRepositories(); err != nil {
		return nil, fmt.Errorf("repository init failed: %w", err)
	}
	if err := s.initServices(); err != nil {
		return nil, fmt.Errorf("service init failed: %w", err)
	}

	s.initHandlers()
	s.initRouter()
	s.SetupRoutes()

	if err := s.startIdleSweep(); err != nil {
		return nil, fmt.Errorf("idle sweep init failed: %w", err)
	}

	return s, nil
}

// initDatabase establishes the postgres and redis connections.
func (s *Server) initDatabase() error {
	var err error

	s.db, err = database.NewPostgresConnection(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("postgres connection failed: %w", err)
	}

	// Redis is optional: without it unlock rate limiting degrades to the
	// per-IP limiter only.
	s.redis, err = database.NewRedisConnection(s.cfg, s.logger)
	if err != nil {
		s.logger.WithError(err).Warn("Redis unavailable; unlock attempt limiting degraded")
		s.redis = nil
	}

	s.dbx = sqlx.NewDb(s.db.DB, "postgres")
	return nil
}

// initRepositories initializes the data access layer and ensures schemas.
func (s *Server) initRepositories() error {
	ctx := context.Background()

	s.policyRepo = policy_repo.NewPolicyRepository(s.dbx, s.logger)

	s.vaultRepo = vault_repo.NewVaultStateRepository(s.dbx, s.logger)
	if err := s.vaultRepo.EnsureTable(ctx); err != nil {
		return fmt.Errorf("vaults table init failed: %w", err)
	}

	s.recordRepo = vault_repo.NewRecordRepository(s.dbx, s.logger)
	if err := s.recordRepo.EnsureTable(ctx); err != nil {
		return fmt.Errorf("vault_records table init failed: %w", err)
	}

	return nil
}

// initServices initializes business logic services.
func (s *Server) initServices() error {
	var err error

	s.jwtService, err = security.NewJWTService(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("JWT service init failed: %w", err)
	}

	if s.redis != nil {
		s.attemptLimiter = security.NewAttemptLimiter(s.redis, s.logger)
	}

	s.policyRegistry = policy.NewRegistry(s.policyRepo, s.logger)
	if err := s.policyRegistry.Bootstrap(context.Background()); err != nil {
		return fmt.Errorf("policy registry bootstrap failed: %w", err)
	}

	s.lockController = vault.NewController(s.cfg, s.vaultRepo, s.recordRepo,
		s.policyRegistry, s.attemptLimiter, s.logger)
	s.logger.Info("Vault lock controller initialized")

	return nil
}

// initHandlers initializes HTTP handlers.
func (s *Server) initHandlers() {
	s.recordHandler = handlers.NewRecordHandler(s.lockController, s.recordRepo, s.vaultRepo, s.logger)
	s.policyHandler = handlers.NewPolicyHandler(s.policyRegistry, s.logger)
}

// initRouter creates and configures the gin router.
func (s *Server) initRouter() {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()

	rateLimiter := logic.NewRateLimiter(s.cfg)
	s.router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.SecurityHeaders(),
		middleware.CORS(s.cfg, s.logger),
		rateLimiter.Middleware(),
		middleware.AuditLogger(s.logger),
	)
}

// startIdleSweep schedules the server-side idle force-lock.
func (s *Server) startIdleSweep() error {
	var err error
	s.idleSweep, err = scheduler.NewIdleSweep(s.cfg, s.lockController, s.vaultRepo, s.logger)
	if err != nil {
		return err
	}
	return s.idleSweep.Start()
}

// Run starts the HTTP server and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:           "0.0.0.0:" + s.cfg.Port,
		Handler:        s.router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		s.logger.WithField("port", s.cfg.Port).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	s.logger.Info("Shutting down server...")
	s.idleSweep.Stop()

	// Tear down live sessions before the listener closes: wipes session
	// keys and discards indexes. Authoritative rows are left alone; every
	// restart starts locked regardless.
	s.lockController.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Server forced to shutdown")
		return err
	}

	s.logger.Info("Server exited")
	return nil
}

// Close cleans up all resources.
func (s *Server) Close() {
	if s.db != nil {
		s.db.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
}
