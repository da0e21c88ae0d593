package models

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LockReason enumerates why a vault transitioned to locked.
//
// Semantics:
//   - idle:         no user interaction for the idle window
//   - backgrounded: the application was sent to the background / suspended
//   - logout:       explicit logout (full re-authentication required)
//   - rotation:     session or credential rotation in progress
//   - admin:        administrator or policy force-lock
type LockReason string

const (
	LockReasonIdle         LockReason = "idle"
	LockReasonBackgrounded LockReason = "backgrounded"
	LockReasonLogout       LockReason = "logout"
	LockReasonRotation     LockReason = "rotation"
	LockReasonAdmin        LockReason = "admin"
)

// ValidLockReasons lists the accepted reason codes, in the order they are
// reported to clients on a 400.
var ValidLockReasons = []LockReason{
	LockReasonIdle,
	LockReasonBackgrounded,
	LockReasonLogout,
	LockReasonRotation,
	LockReasonAdmin,
}

// ParseLockReason validates a client-supplied reason code.
func ParseLockReason(s string) (LockReason, error) {
	for _, r := range ValidLockReasons {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("invalid lock reason %q", s)
}

// Vault is the authoritative per-account vault row. The passphrase never
// appears here: only the KDF salt and an encrypted canary used to verify a
// derived key by authentication tag.
type Vault struct {
	ID                  uuid.UUID      `db:"id"`
	AccountID           uuid.UUID      `db:"account_id"`
	PassphraseSalt      []byte         `db:"passphrase_salt"`
	CanaryIV            []byte         `db:"canary_iv"`
	CanarySalt          []byte         `db:"canary_salt"`
	CanaryCipher        []byte         `db:"canary_cipher"`
	CryptoPolicyVersion string         `db:"crypto_policy_version"`
	LockedAt            sql.NullTime   `db:"locked_at"`
	LockReason          sql.NullString `db:"lock_reason"`
	EnforceTier         int            `db:"enforce_tier"`
	LastActivityAt      sql.NullTime   `db:"last_activity_at"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

// Locked reports whether the authoritative row says the vault is locked.
func (v *Vault) Locked() bool {
	return v.LockedAt.Valid
}

// VaultLockState is the poll-surface projection of a Vault row.
type VaultLockState struct {
	LockedAt   *time.Time `db:"locked_at" json:"locked_at"`
	LockReason *string    `db:"lock_reason" json:"lock_reason"`
}

// Locked reports whether the projected state is locked.
func (s *VaultLockState) Locked() bool {
	return s.LockedAt != nil
}

// VaultLockEvent is an audit row written on every lock/unlock transition.
type VaultLockEvent struct {
	ID         uuid.UUID      `db:"id"`
	VaultID    uuid.UUID      `db:"vault_id"`
	LockedAt   sql.NullTime   `db:"locked_at"`
	LockReason string         `db:"lock_reason"`
	DeviceID   sql.NullString `db:"device_id"`
	CreatedAt  time.Time      `db:"created_at"`
}
