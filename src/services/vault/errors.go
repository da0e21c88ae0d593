package vault

import "errors"

// Lock-state failure taxonomy. Handlers map these to HTTP statuses; nothing
// below this layer shapes a response.
var (
	// ErrVaultLocked rejects a protected operation while the vault is locked.
	// Recoverable: the caller prompts for an unlock and retries.
	ErrVaultLocked = errors.New("vault is locked")

	// ErrPassphraseMismatch means canary authentication failed during unlock.
	// The message is constant regardless of which byte of the canary failed.
	ErrPassphraseMismatch = errors.New("passphrase verification failed")

	// ErrVaultNotProvisioned means the account has no vault yet; setup must
	// run before unlock.
	ErrVaultNotProvisioned = errors.New("vault not provisioned")

	// ErrVaultAlreadyProvisioned rejects a second setup for the same account.
	ErrVaultAlreadyProvisioned = errors.New("vault already provisioned")

	// ErrTooManyAttempts means unlock is rate-limited after repeated failures.
	ErrTooManyAttempts = errors.New("too many unlock attempts, try again later")
)
