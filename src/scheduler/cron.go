package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/config"
	"github.com/questlog/vault-api/src/models"
	vault_repo "github.com/questlog/vault-api/src/repository/vault"
	"github.com/questlog/vault-api/src/services/vault"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// IdleSweep is the server-side safety net behind the per-device idle timers:
// on each tick it force-locks every unlocked vault whose last activity is
// older than the idle window. A device that crashed or lost connectivity
// can therefore never leave a vault unlocked indefinitely.
type IdleSweep struct {
	cfg        *config.Config
	controller *vault.Controller
	states     *vault_repo.VaultStateRepository
	logger     *logrus.Logger
	runner     *cron.Cron
}

// NewIdleSweep validates the schedule and prepares the sweep.
func NewIdleSweep(cfg *config.Config, controller *vault.Controller,
	states *vault_repo.VaultStateRepository, logger *logrus.Logger) (*IdleSweep, error) {

	if _, err := cronParser.Parse(cfg.IdleSweepSchedule); err != nil {
		return nil, fmt.Errorf("invalid VAULT_IDLE_SWEEP_SCHEDULE %q: %w", cfg.IdleSweepSchedule, err)
	}
	return &IdleSweep{
		cfg:        cfg,
		controller: controller,
		states:     states,
		logger:     logger,
	}, nil
}

// Start schedules the sweep.
func (s *IdleSweep) Start() error {
	s.runner = cron.New(cron.WithParser(cronParser))
	if _, err := s.runner.AddFunc(s.cfg.IdleSweepSchedule, s.sweep); err != nil {
		return fmt.Errorf("schedule idle sweep: %w", err)
	}
	s.runner.Start()
	s.logger.WithField("schedule", s.cfg.IdleSweepSchedule).Info("Idle sweep scheduled")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *IdleSweep) Stop() {
	if s.runner != nil {
		<-s.runner.Stop().Done()
	}
}

func (s *IdleSweep) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.cfg.IdleLockTimeout)
	idle, err := s.states.ListIdle(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("Idle sweep: listing idle vaults failed")
		return
	}

	for _, v := range idle {
		if err := s.controller.ForceLock(ctx, v.ID, models.LockReasonIdle); err != nil {
			s.logger.WithError(err).WithField("vault_id", v.ID).Error("Idle sweep: force-lock failed")
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"event":    "vault_idle_sweep_lock",
			"vault_id": v.ID,
		}).Info("Idle vault force-locked")
	}
}
