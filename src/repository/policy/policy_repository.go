package policy_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/models"
)

// ErrPolicyNotFound is returned when a version tag resolves to nothing.
var ErrPolicyNotFound = errors.New("crypto policy not found")

// ErrPolicyExists is returned when a rollout reuses an existing version tag.
var ErrPolicyExists = errors.New("crypto policy version already exists")

const policyColumns = "version, algorithm, kdf, kdf_params, salt_length, iv_length, current, deprecated, created_at"

// PolicyRepository persists versioned crypto policies. Policies are never
// hard-deleted: deprecation keeps old versions resolvable so every stored
// record stays decryptable by its version tag.
type PolicyRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPolicyRepository creates a new repository instance.
func NewPolicyRepository(db *sqlx.DB, logger *logrus.Logger) *PolicyRepository {
	return &PolicyRepository{db: db, logger: logger}
}

// EnsureTable creates the crypto_policies table if it doesn't exist.
func (r *PolicyRepository) EnsureTable(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS crypto_policies (
		version TEXT PRIMARY KEY,
		algorithm TEXT NOT NULL,
		kdf TEXT NOT NULL,
		kdf_params TEXT NOT NULL,
		salt_length INTEGER NOT NULL,
		iv_length INTEGER NOT NULL,
		current BOOLEAN NOT NULL DEFAULT FALSE,
		deprecated BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Get resolves a policy by version tag. Deprecated versions still resolve;
// that is what keeps old records decryptable after a rollout.
func (r *PolicyRepository) Get(ctx context.Context, version string) (*models.CryptoPolicy, error) {
	var p models.CryptoPolicy
	err := r.db.GetContext(ctx, &p,
		fmt.Sprintf("SELECT %s FROM crypto_policies WHERE version = $1", policyColumns), version)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", version, err)
	}
	return &p, nil
}

// Current returns the single policy used for new writes.
func (r *PolicyRepository) Current(ctx context.Context) (*models.CryptoPolicy, error) {
	var p models.CryptoPolicy
	err := r.db.GetContext(ctx, &p,
		fmt.Sprintf("SELECT %s FROM crypto_policies WHERE current = TRUE", policyColumns))
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get current policy: %w", err)
	}
	return &p, nil
}

// List returns all policy versions, newest first.
func (r *PolicyRepository) List(ctx context.Context) ([]models.CryptoPolicy, error) {
	policies := []models.CryptoPolicy{}
	err := r.db.SelectContext(ctx, &policies,
		fmt.Sprintf("SELECT %s FROM crypto_policies ORDER BY created_at DESC", policyColumns))
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return policies, nil
}

// Create rolls out a new current policy. In one transaction the previous
// current version is demoted to deprecated (not deleted) and the new version
// becomes current, so there is never a moment with zero or two current
// policies.
func (r *PolicyRepository) Create(ctx context.Context, p *models.CryptoPolicy) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin policy rollout: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists,
		"SELECT COUNT(1) FROM crypto_policies WHERE version = $1", p.Version); err != nil {
		return fmt.Errorf("check policy version: %w", err)
	}
	if exists > 0 {
		return ErrPolicyExists
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE crypto_policies SET current = FALSE, deprecated = TRUE WHERE current = TRUE"); err != nil {
		return fmt.Errorf("demote current policy: %w", err)
	}

	p.Current = true
	p.Deprecated = false
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO crypto_policies (version, algorithm, kdf, kdf_params, salt_length, iv_length, current, deprecated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.Version, p.Algorithm, p.KDF, p.KDFParams, p.SaltLength, p.IVLength, p.Current, p.Deprecated, p.CreatedAt); err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit policy rollout: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"event":     "crypto_policy_rollout",
		"version":   p.Version,
		"algorithm": p.Algorithm,
		"kdf":       p.KDF,
	}).Info("Crypto policy rolled out as current")
	return nil
}

// Deprecate marks a non-current version as deprecated. The current version
// cannot be deprecated: there must always be exactly one policy for new
// writes.
func (r *PolicyRepository) Deprecate(ctx context.Context, version string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE crypto_policies SET deprecated = TRUE WHERE version = $1 AND current = FALSE", version)
	if err != nil {
		return fmt.Errorf("deprecate policy %s: %w", version, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deprecate policy %s: %w", version, err)
	}
	if affected == 0 {
		// Either unknown version or an attempt to deprecate the current one.
		var exists int
		if err := r.db.GetContext(ctx, &exists,
			"SELECT COUNT(1) FROM crypto_policies WHERE version = $1", version); err != nil {
			return fmt.Errorf("deprecate policy %s: %w", version, err)
		}
		if exists == 0 {
			return ErrPolicyNotFound
		}
		return fmt.Errorf("policy %s is current and cannot be deprecated", version)
	}

	r.logger.WithField("version", version).Info("Crypto policy deprecated")
	return nil
}

// EnsureDefault seeds the launch policy when the table is empty, so a fresh
// deployment always has a current version for new writes.
func (r *PolicyRepository) EnsureDefault(ctx context.Context) error {
	if _, err := r.Current(ctx); err == nil {
		return nil
	} else if !errors.Is(err, ErrPolicyNotFound) {
		return err
	}

	p := models.DefaultPolicyV1()
	if err := r.Create(ctx, &p); err != nil {
		return fmt.Errorf("seed default policy: %w", err)
	}
	return nil
}
