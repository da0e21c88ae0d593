package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// NewTestDatabase creates an in-memory SQLite database for testing.
// This allows exercising real SQL queries without a full Postgres instance.
// The schema mirrors the Postgres one; timestamps are bound as parameters in
// the repositories so the same statements run on both engines.
func NewTestDatabase(logger *logrus.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}

	// sqlite drops an in-memory database when its last connection closes;
	// pin a single connection so the schema survives the pool.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS vaults (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL UNIQUE,
		passphrase_salt BLOB NOT NULL,
		canary_iv BLOB NOT NULL,
		canary_salt BLOB NOT NULL,
		canary_cipher BLOB NOT NULL,
		crypto_policy_version TEXT NOT NULL,
		locked_at TIMESTAMP,
		lock_reason TEXT,
		enforce_tier INTEGER NOT NULL DEFAULT 0,
		last_activity_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vault_records (
		id TEXT PRIMARY KEY,
		vault_id TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		iv BLOB NOT NULL,
		salt BLOB NOT NULL,
		policy_version TEXT NOT NULL,
		category TEXT,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vault_lock_events (
		id TEXT PRIMARY KEY,
		vault_id TEXT NOT NULL,
		locked_at TIMESTAMP,
		lock_reason TEXT NOT NULL,
		device_id TEXT,
		created_at TIMESTAMP NOT NULL
	);

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

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create test schema: %w", err)
	}

	logger.Debug("Test database (SQLite in-memory) initialized")

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}
