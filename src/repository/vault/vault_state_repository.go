package vault_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/models"
)

// ErrVaultNotFound is returned when no vault row exists for the account.
var ErrVaultNotFound = errors.New("vault not found")

const vaultColumns = `id, account_id, passphrase_salt, canary_iv, canary_salt, canary_cipher,
	crypto_policy_version, locked_at, lock_reason, enforce_tier, last_activity_at, created_at, updated_at`

// VaultStateRepository owns the authoritative lock state. Every lock and
// unlock transition runs in a transaction holding a per-vault advisory lock
// (on postgres) and appends an audit event, so concurrent transitions from
// different devices serialize instead of interleaving.
type VaultStateRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewVaultStateRepository creates a new repository instance.
func NewVaultStateRepository(db *sqlx.DB, logger *logrus.Logger) *VaultStateRepository {
	return &VaultStateRepository{db: db, logger: logger}
}

// EnsureTable creates the vaults and vault_lock_events tables if needed.
func (r *VaultStateRepository) EnsureTable(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vaults (
		id UUID PRIMARY KEY,
		account_id UUID NOT NULL UNIQUE,
		passphrase_salt BYTEA NOT NULL,
		canary_iv BYTEA NOT NULL,
		canary_salt BYTEA NOT NULL,
		canary_cipher BYTEA NOT NULL,
		crypto_policy_version TEXT NOT NULL,
		locked_at TIMESTAMP,
		lock_reason TEXT,
		enforce_tier INTEGER NOT NULL DEFAULT 0,
		last_activity_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS vault_lock_events (
		id UUID PRIMARY KEY,
		vault_id UUID NOT NULL,
		locked_at TIMESTAMP,
		lock_reason TEXT NOT NULL,
		device_id TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_vault_lock_events_vault ON vault_lock_events(vault_id, created_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// GetByAccount loads the vault row for an account.
func (r *VaultStateRepository) GetByAccount(ctx context.Context, accountID uuid.UUID) (*models.Vault, error) {
	var v models.Vault
	err := r.db.GetContext(ctx, &v,
		fmt.Sprintf("SELECT %s FROM vaults WHERE account_id = $1", vaultColumns), accountID)
	if err == sql.ErrNoRows {
		return nil, ErrVaultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vault for account: %w", err)
	}
	return &v, nil
}

// Get loads a vault row by id.
func (r *VaultStateRepository) Get(ctx context.Context, vaultID uuid.UUID) (*models.Vault, error) {
	var v models.Vault
	err := r.db.GetContext(ctx, &v,
		fmt.Sprintf("SELECT %s FROM vaults WHERE id = $1", vaultColumns), vaultID)
	if err == sql.ErrNoRows {
		return nil, ErrVaultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vault: %w", err)
	}
	return &v, nil
}

// Create provisions a new vault row. New vaults start locked: only a
// successful passphrase verification may ever transition to unlocked.
func (r *VaultStateRepository) Create(ctx context.Context, v *models.Vault) error {
	now := time.Now().UTC()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.LockedAt = sql.NullTime{Time: now, Valid: true}
	v.LockReason = sql.NullString{String: string(models.LockReasonAdmin), Valid: true}
	v.CreatedAt = now
	v.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vaults (id, account_id, passphrase_salt, canary_iv, canary_salt, canary_cipher,
			crypto_policy_version, locked_at, lock_reason, enforce_tier, last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, v.ID, v.AccountID, v.PassphraseSalt, v.CanaryIV, v.CanarySalt, v.CanaryCipher,
		v.CryptoPolicyVersion, v.LockedAt, v.LockReason, v.EnforceTier, v.LastActivityAt, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create vault: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"event":    "vault_provisioned",
		"vault_id": v.ID,
	}).Info("Vault provisioned")
	return nil
}

// GetState returns the poll-surface projection of the lock state. This is the
// read the cross-device poller hits every interval, so it selects only the two
// columns it needs.
func (r *VaultStateRepository) GetState(ctx context.Context, vaultID uuid.UUID) (*models.VaultLockState, error) {
	var s models.VaultLockState
	err := r.db.GetContext(ctx, &s,
		"SELECT locked_at, lock_reason FROM vaults WHERE id = $1", vaultID)
	if err == sql.ErrNoRows {
		return nil, ErrVaultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vault state: %w", err)
	}
	return &s, nil
}

// Lock transitions the vault to locked with the given reason and appends an
// audit event. Idempotent: locking an already-locked vault refreshes nothing
// and writes no duplicate event.
func (r *VaultStateRepository) Lock(ctx context.Context, vaultID uuid.UUID, reason models.LockReason, deviceID string) error {
	return r.transition(ctx, vaultID, deviceID, func(tx *sqlx.Tx, now time.Time) (bool, string, error) {
		res, err := tx.ExecContext(ctx,
			"UPDATE vaults SET locked_at = $1, lock_reason = $2, updated_at = $3 WHERE id = $4 AND locked_at IS NULL",
			now, string(reason), now, vaultID)
		if err != nil {
			return false, "", fmt.Errorf("lock vault: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, "", fmt.Errorf("lock vault: %w", err)
		}
		return affected > 0, string(reason), nil
	})
}

// Unlock clears the lock state and appends an audit event. Idempotent in the
// same way as Lock.
func (r *VaultStateRepository) Unlock(ctx context.Context, vaultID uuid.UUID, deviceID string) error {
	return r.transition(ctx, vaultID, deviceID, func(tx *sqlx.Tx, now time.Time) (bool, string, error) {
		res, err := tx.ExecContext(ctx,
			"UPDATE vaults SET locked_at = NULL, lock_reason = NULL, last_activity_at = $1, updated_at = $2 WHERE id = $3 AND locked_at IS NOT NULL",
			now, now, vaultID)
		if err != nil {
			return false, "", fmt.Errorf("unlock vault: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, "", fmt.Errorf("unlock vault: %w", err)
		}
		return affected > 0, "unlocked", nil
	})
}

// transition runs a lock-state change inside a transaction. On postgres it
// first takes a per-vault advisory lock so two devices flipping the same vault
// serialize; sqlite (tests) runs single-writer anyway.
func (r *VaultStateRepository) transition(ctx context.Context, vaultID uuid.UUID, deviceID string,
	apply func(tx *sqlx.Tx, now time.Time) (changed bool, eventReason string, err error)) error {

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vault transition: %w", err)
	}
	defer tx.Rollback()

	if r.db.DriverName() == "postgres" {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", vaultID.String()); err != nil {
			return fmt.Errorf("acquire vault advisory lock: %w", err)
		}
	}

	now := time.Now().UTC()
	changed, eventReason, err := apply(tx, now)
	if err != nil {
		return err
	}

	if changed {
		var lockedAt interface{}
		if eventReason != "unlocked" {
			lockedAt = now
		}
		var device sql.NullString
		if deviceID != "" {
			device = sql.NullString{String: deviceID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vault_lock_events (id, vault_id, locked_at, lock_reason, device_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New(), vaultID, lockedAt, eventReason, device, now); err != nil {
			return fmt.Errorf("record lock event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vault transition: %w", err)
	}

	if changed {
		r.logger.WithFields(logrus.Fields{
			"event":    "vault_transition",
			"vault_id": vaultID,
			"reason":   eventReason,
		}).Info("Vault lock state changed")
	}
	return nil
}

// TouchActivity records user interaction for the idle timer.
func (r *VaultStateRepository) TouchActivity(ctx context.Context, vaultID uuid.UUID) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		"UPDATE vaults SET last_activity_at = $1, updated_at = $2 WHERE id = $3", now, now, vaultID)
	if err != nil {
		return fmt.Errorf("touch vault activity: %w", err)
	}
	return nil
}

// ListIdle returns unlocked vaults with no activity since the cutoff. The
// scheduler force-locks these server-side so an abandoned session cannot stay
// open past the idle window.
func (r *VaultStateRepository) ListIdle(ctx context.Context, cutoff time.Time) ([]models.Vault, error) {
	vaults := []models.Vault{}
	err := r.db.SelectContext(ctx, &vaults, fmt.Sprintf(`
		SELECT %s FROM vaults
		WHERE locked_at IS NULL AND (last_activity_at IS NULL OR last_activity_at < $1)
	`, vaultColumns), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list idle vaults: %w", err)
	}
	return vaults, nil
}

// ListEvents returns the most recent audit events for a vault.
func (r *VaultStateRepository) ListEvents(ctx context.Context, vaultID uuid.UUID, limit int) ([]models.VaultLockEvent, error) {
	events := []models.VaultLockEvent{}
	err := r.db.SelectContext(ctx, &events, `
		SELECT id, vault_id, locked_at, lock_reason, device_id, created_at
		FROM vault_lock_events WHERE vault_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, vaultID, limit)
	if err != nil {
		return nil, fmt.Errorf("list lock events: %w", err)
	}
	return events, nil
}
