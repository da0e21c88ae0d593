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

// ErrRecordNotFound is returned when a record id resolves to nothing within
// the caller's vault.
var ErrRecordNotFound = errors.New("vault record not found")

const recordColumns = "id, vault_id, ciphertext, iv, salt, policy_version, category, completed, created_at, updated_at"

// RecordRepository stores encrypted record blobs. The ciphertext, IV and salt
// columns are opaque here: this tier never sees a key and never interprets the
// payload. Content updates replace the whole ciphertext+iv+salt triple in one
// statement so a stored triple is never partially mutated.
type RecordRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewRecordRepository creates a new repository instance.
func NewRecordRepository(db *sqlx.DB, logger *logrus.Logger) *RecordRepository {
	return &RecordRepository{db: db, logger: logger}
}

// EnsureTable creates the vault_records table if it doesn't exist.
func (r *RecordRepository) EnsureTable(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vault_records (
		id UUID PRIMARY KEY,
		vault_id UUID NOT NULL,
		ciphertext BYTEA NOT NULL,
		iv BYTEA NOT NULL,
		salt BYTEA NOT NULL,
		policy_version TEXT NOT NULL,
		category TEXT,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_vault_records_vault ON vault_records(vault_id, created_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a new encrypted record.
func (r *RecordRepository) Create(ctx context.Context, rec *models.VaultRecord) error {
	now := time.Now().UTC()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vault_records (id, vault_id, ciphertext, iv, salt, policy_version, category, completed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.VaultID, rec.Ciphertext, rec.IV, rec.Salt, rec.PolicyVersion,
		rec.Category, rec.Completed, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create vault record: %w", err)
	}
	return nil
}

// Get loads a record scoped to its vault. Scoping by vault id in the query
// keeps one account from addressing another account's record ids.
func (r *RecordRepository) Get(ctx context.Context, vaultID, recordID uuid.UUID) (*models.VaultRecord, error) {
	var rec models.VaultRecord
	err := r.db.GetContext(ctx, &rec,
		fmt.Sprintf("SELECT %s FROM vault_records WHERE id = $1 AND vault_id = $2", recordColumns),
		recordID, vaultID)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vault record: %w", err)
	}
	return &rec, nil
}

// ListByVault returns all records for a vault, newest first.
func (r *RecordRepository) ListByVault(ctx context.Context, vaultID uuid.UUID) ([]models.VaultRecord, error) {
	records := []models.VaultRecord{}
	err := r.db.SelectContext(ctx, &records,
		fmt.Sprintf("SELECT %s FROM vault_records WHERE vault_id = $1 ORDER BY created_at DESC", recordColumns),
		vaultID)
	if err != nil {
		return nil, fmt.Errorf("list vault records: %w", err)
	}
	return records, nil
}

// ReplacePayload swaps the entire ciphertext+iv+salt triple (and version) for
// an existing record in a single statement.
func (r *RecordRepository) ReplacePayload(ctx context.Context, vaultID, recordID uuid.UUID,
	ciphertext, iv, salt []byte, policyVersion string) error {

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE vault_records SET ciphertext = $1, iv = $2, salt = $3, policy_version = $4, updated_at = $5
		WHERE id = $6 AND vault_id = $7
	`, ciphertext, iv, salt, policyVersion, now, recordID, vaultID)
	if err != nil {
		return fmt.Errorf("replace record payload: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace record payload: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// UpdateMetadata changes the non-secret envelope fields without touching the
// payload triple.
func (r *RecordRepository) UpdateMetadata(ctx context.Context, vaultID, recordID uuid.UUID,
	category sql.NullString, completed bool) error {

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE vault_records SET category = $1, completed = $2, updated_at = $3
		WHERE id = $4 AND vault_id = $5
	`, category, completed, now, recordID, vaultID)
	if err != nil {
		return fmt.Errorf("update record metadata: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record metadata: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Delete removes a record.
func (r *RecordRepository) Delete(ctx context.Context, vaultID, recordID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM vault_records WHERE id = $1 AND vault_id = $2", recordID, vaultID)
	if err != nil {
		return fmt.Errorf("delete vault record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete vault record: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}

	r.logger.WithFields(logrus.Fields{
		"event":     "vault_record_deleted",
		"vault_id":  vaultID,
		"record_id": recordID,
	}).Info("Vault record deleted")
	return nil
}

// CountByVault returns the number of records stored for a vault.
func (r *RecordRepository) CountByVault(ctx context.Context, vaultID uuid.UUID) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		"SELECT COUNT(1) FROM vault_records WHERE vault_id = $1", vaultID)
	if err != nil {
		return 0, fmt.Errorf("count vault records: %w", err)
	}
	return count, nil
}
