package vault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/config"
	"github.com/questlog/vault-api/src/models"
	vault_repo "github.com/questlog/vault-api/src/repository/vault"
	"github.com/questlog/vault-api/src/services/policy"
	"github.com/questlog/vault-api/src/services/search"
	"github.com/questlog/vault-api/src/services/security"
)

// canaryPlaintext is the known payload encrypted at provisioning time. Unlock
// verifies a passphrase by decrypting it and checking the authentication tag;
// its content is irrelevant, only the tag matters.
var canaryPlaintext = []byte("vault-canary")

// EncryptedPayload is the output of a mediated encrypt call: the full
// ciphertext+iv+salt triple plus the policy version it was sealed under.
type EncryptedPayload struct {
	Ciphertext    []byte
	IV            []byte
	Salt          []byte
	PolicyVersion string
}

// session is the volatile per-vault unlocked state. The session key lives
// only here: the index manager and handlers request cipher operations through
// the controller and never see key bytes.
type session struct {
	vaultID   uuid.UUID
	accountID uuid.UUID
	key       *security.SessionKey
	index     *search.Manager
	idleTimer *time.Timer
	poller    *statePoller
	stopOnce  sync.Once
}

// stop tears the session down: index first (plaintext), key last. Idempotent
// because the idle timer, the poller and an explicit lock can race to it.
func (s *session) stop() {
	s.stopOnce.Do(func() {
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		if s.poller != nil {
			s.poller.stop()
		}
		s.index.Teardown()
		s.key.Wipe()
	})
}

// Controller owns the vault lock state machine. The authoritative state is
// the database row managed by the state repository; the controller adds the
// volatile half of each transition (session key, search index, idle timer,
// state poller) and keeps both halves consistent:
//
//   - Locked -> Unlocked only on canary verification; the session key exists
//     only in memory for the life of the session.
//   - Unlocked -> Locked on idle timeout, backgrounding, logout, rotation or
//     admin force-lock; the local teardown (index gone, key wiped) completes
//     before the authoritative row is flipped, so once a guard observes
//     "locked" no plaintext artifact remains.
//   - A remote lock observed by the poller tears down locally without
//     rewriting the row.
type Controller struct {
	cfg      *config.Config
	states   *vault_repo.VaultStateRepository
	records  *vault_repo.RecordRepository
	policies *policy.Registry
	cipher   *security.RecordCipher
	limiter  *security.AttemptLimiter
	logger   *logrus.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
}

// NewController creates the lock controller. The attempt limiter may be nil
// (tests without redis); unlock rate limiting is then disabled.
func NewController(cfg *config.Config, states *vault_repo.VaultStateRepository, records *vault_repo.RecordRepository,
	policies *policy.Registry, limiter *security.AttemptLimiter, logger *logrus.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		states:   states,
		records:  records,
		policies: policies,
		cipher:   security.NewRecordCipher(),
		limiter:  limiter,
		logger:   logger,
		sessions: make(map[uuid.UUID]*session),
	}
}

// Setup provisions a vault for an account: generates the passphrase salt,
// derives the first master key and seals the verification canary under the
// current policy. The vault starts locked.
func (c *Controller) Setup(ctx context.Context, accountID uuid.UUID, passphrase string) (*models.Vault, error) {
	if _, err := c.states.GetByAccount(ctx, accountID); err == nil {
		return nil, ErrVaultAlreadyProvisioned
	} else if !errors.Is(err, vault_repo.ErrVaultNotFound) {
		return nil, err
	}

	pol, err := c.policies.Current(ctx)
	if err != nil {
		return nil, err
	}

	passphraseSalt, err := randomBytes(pol.SaltLength)
	if err != nil {
		return nil, err
	}
	canarySalt, err := randomBytes(pol.SaltLength)
	if err != nil {
		return nil, err
	}

	masterKey, err := security.DeriveMasterKey(passphrase, passphraseSalt, pol)
	if err != nil {
		return nil, err
	}
	defer security.WipeBytes(masterKey)

	canaryKey, err := security.DeriveRecordKey(masterKey, canarySalt)
	if err != nil {
		return nil, err
	}
	defer security.WipeBytes(canaryKey)

	iv, ciphertext, err := c.cipher.Encrypt(pol, canaryKey, canaryPlaintext)
	if err != nil {
		return nil, err
	}

	v := &models.Vault{
		AccountID:           accountID,
		PassphraseSalt:      passphraseSalt,
		CanaryIV:            iv,
		CanarySalt:          canarySalt,
		CanaryCipher:        ciphertext,
		CryptoPolicyVersion: pol.Version,
	}
	if err := c.states.Create(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Unlock verifies the passphrase against the canary and opens a session. On
// success the authoritative state flips to unlocked, the session key is held
// in memory and the search index is rebuilt from freshly decrypted records.
// A failed verification returns ErrPassphraseMismatch, leaves the vault
// locked and feeds only an opaque counter usable for rate limiting.
func (c *Controller) Unlock(ctx context.Context, accountID uuid.UUID, passphrase, deviceID string) (*search.RebuildReport, error) {
	v, err := c.vaultForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if c.limiter != nil && c.limiter.Blocked(ctx, v.ID.String()) {
		return nil, ErrTooManyAttempts
	}

	pol, err := c.policies.Resolve(ctx, v.CryptoPolicyVersion)
	if err != nil {
		return nil, err
	}

	masterKey, err := security.DeriveMasterKey(passphrase, v.PassphraseSalt, pol)
	if err != nil {
		return nil, err
	}

	canaryKey, err := security.DeriveRecordKey(masterKey, v.CanarySalt)
	if err != nil {
		security.WipeBytes(masterKey)
		return nil, err
	}
	plaintext, err := c.cipher.Decrypt(pol, canaryKey, v.CanaryIV, v.CanaryCipher)
	security.WipeBytes(canaryKey)
	if err != nil {
		security.WipeBytes(masterKey)
		if c.limiter != nil {
			c.limiter.RecordFailure(ctx, v.ID.String())
		}
		return nil, ErrPassphraseMismatch
	}
	security.WipeBytes(plaintext)

	if c.limiter != nil {
		c.limiter.Reset(ctx, v.ID.String())
	}

	if err := c.states.Unlock(ctx, v.ID, deviceID); err != nil {
		security.WipeBytes(masterKey)
		return nil, err
	}

	sess := &session{
		vaultID:   v.ID,
		accountID: accountID,
		key:       security.NewSessionKey(masterKey),
		index:     search.NewManager(c.logger),
	}
	sess.poller = newStatePoller(v.ID, c.cfg.StatePollInterval, c.cfg.MaxPollFailures, c.states, c.logger,
		func() { c.observeRemoteLock(v.ID) },
		func() { c.failClosed(v.ID) },
	)

	c.mu.Lock()
	if old := c.sessions[v.ID]; old != nil {
		// Re-unlock on the same instance replaces the session wholesale.
		old.stop()
	}
	// The timer is armed under the lock, so its callback cannot reach
	// teardownLocal before the session is in the map.
	sess.idleTimer = time.AfterFunc(c.cfg.IdleLockTimeout, func() { c.lockFromTimer(v.ID) })
	c.sessions[v.ID] = sess
	c.mu.Unlock()

	sess.poller.start()

	report := c.rebuildIndex(ctx, sess)

	c.logger.WithFields(logrus.Fields{
		"event":    "vault_unlocked",
		"vault_id": v.ID,
	}).Info("Vault unlocked")
	return report, nil
}

// rebuildIndex populates the session index. Rebuild failure is non-fatal for
// the unlock; it is logged and retried on the next unlock or explicit refresh.
func (c *Controller) rebuildIndex(ctx context.Context, sess *session) *search.RebuildReport {
	recs, err := c.records.ListByVault(ctx, sess.vaultID)
	if err != nil {
		c.logger.WithError(err).WithField("vault_id", sess.vaultID).Warn("Index rebuild skipped: listing records failed")
		return nil
	}

	report, err := sess.index.Rebuild(ctx, recs, c.sessionDecrypt(sess))
	if err != nil {
		c.logger.WithError(err).WithField("vault_id", sess.vaultID).Warn("Index rebuild failed")
		return nil
	}
	return report
}

// RefreshIndex re-runs a full index rebuild for an unlocked session.
func (c *Controller) RefreshIndex(ctx context.Context, accountID uuid.UUID) (*search.RebuildReport, error) {
	sess, err := c.sessionForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	recs, err := c.records.ListByVault(ctx, sess.vaultID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", search.ErrIndexRebuild, err)
	}
	return sess.index.Rebuild(ctx, recs, c.sessionDecrypt(sess))
}

// sessionDecrypt builds the mediated decrypt callback handed to the index
// manager. The key never leaves this closure; it dies with the session.
func (c *Controller) sessionDecrypt(sess *session) search.DecryptFunc {
	return func(ctx context.Context, rec *models.VaultRecord) ([]byte, error) {
		pol, err := c.policies.Resolve(ctx, rec.PolicyVersion)
		if err != nil {
			return nil, err
		}

		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.sessions[sess.vaultID] != sess {
			return nil, ErrVaultLocked
		}

		recordKey, err := security.DeriveRecordKey(sess.key.Bytes(), rec.Salt)
		if err != nil {
			return nil, err
		}
		defer security.WipeBytes(recordKey)
		return c.cipher.Decrypt(pol, recordKey, rec.IV, rec.Ciphertext)
	}
}

// Lock transitions the vault to locked for the given reason. The local
// teardown (index discarded, session key wiped) completes before the
// authoritative row flips, so "locked" is never observable while plaintext
// artifacts still exist. Locking an already-locked vault succeeds quietly.
func (c *Controller) Lock(ctx context.Context, accountID uuid.UUID, reason models.LockReason, deviceID string) (*models.VaultLockState, error) {
	v, err := c.vaultForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	c.teardownLocal(v.ID)

	if err := c.states.Lock(ctx, v.ID, reason, deviceID); err != nil {
		return nil, err
	}
	return c.states.GetState(ctx, v.ID)
}

// State reads the authoritative poll projection.
func (c *Controller) State(ctx context.Context, accountID uuid.UUID) (*models.VaultLockState, error) {
	v, err := c.vaultForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return c.states.GetState(ctx, v.ID)
}

// EncryptRecord seals plaintext under the current policy with a fresh
// per-record salt and IV. Requires a live session; the caller persists the
// returned triple.
func (c *Controller) EncryptRecord(ctx context.Context, accountID uuid.UUID, plaintext []byte) (*EncryptedPayload, error) {
	sess, err := c.sessionForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	pol, err := c.policies.Current(ctx)
	if err != nil {
		return nil, err
	}

	salt, err := randomBytes(pol.SaltLength)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	if c.sessions[sess.vaultID] != sess {
		c.mu.RUnlock()
		return nil, ErrVaultLocked
	}
	recordKey, err := security.DeriveRecordKey(sess.key.Bytes(), salt)
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	defer security.WipeBytes(recordKey)

	iv, ciphertext, err := c.cipher.Encrypt(pol, recordKey, plaintext)
	if err != nil {
		return nil, err
	}

	c.touch(ctx, sess)
	return &EncryptedPayload{
		Ciphertext:    ciphertext,
		IV:            iv,
		Salt:          salt,
		PolicyVersion: pol.Version,
	}, nil
}

// DecryptRecord opens a stored record through the session key, resolving the
// policy by the version tag stored with the record, never by assuming
// current.
func (c *Controller) DecryptRecord(ctx context.Context, accountID uuid.UUID, rec *models.VaultRecord) ([]byte, error) {
	sess, err := c.sessionForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	plaintext, err := c.sessionDecrypt(sess)(ctx, rec)
	if err != nil {
		return nil, err
	}

	c.touch(ctx, sess)
	return plaintext, nil
}

// IndexRecord incrementally indexes a record's plaintext after a write.
func (c *Controller) IndexRecord(accountID uuid.UUID, recordID uuid.UUID, plaintext []byte, at time.Time) {
	c.mu.RLock()
	var sess *session
	for _, s := range c.sessions {
		if s.accountID == accountID {
			sess = s
			break
		}
	}
	c.mu.RUnlock()
	if sess == nil {
		return
	}
	sess.index.Index(recordID, string(plaintext), at)
}

// RemoveFromIndex drops a deleted record from the session index.
func (c *Controller) RemoveFromIndex(accountID uuid.UUID, recordID uuid.UUID) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sessions {
		if s.accountID == accountID {
			s.index.Remove(recordID)
			return
		}
	}
}

// Search queries the session index. Plaintext never round-trips to the
// store; only record ids come back.
func (c *Controller) Search(ctx context.Context, accountID uuid.UUID, term string) ([]uuid.UUID, error) {
	sess, err := c.sessionForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	ids, err := sess.index.Query(term)
	if err != nil {
		return nil, ErrVaultLocked
	}
	c.touch(ctx, sess)
	return ids, nil
}

// ForceLock is the server-side lock used by the idle sweep and admin tooling.
// It operates on the vault id directly and skips session lookup because the
// sweeping process may not own a session at all.
func (c *Controller) ForceLock(ctx context.Context, vaultID uuid.UUID, reason models.LockReason) error {
	c.teardownLocal(vaultID)
	return c.states.Lock(ctx, vaultID, reason, "")
}

// Close tears down every live session. The authoritative rows are left
// untouched: a process restart always starts locked anyway, and rewriting
// rows during shutdown would race the lock state of still-running devices.
func (c *Controller) Close() {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for id, s := range c.sessions {
		sessions = append(sessions, s)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
}

// lockFromTimer handles the idle timeout: local teardown, then push the lock
// to the authoritative state so other devices converge.
func (c *Controller) lockFromTimer(vaultID uuid.UUID) {
	c.teardownLocal(vaultID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.states.Lock(ctx, vaultID, models.LockReasonIdle, ""); err != nil {
		c.logger.WithError(err).WithField("vault_id", vaultID).Error("Failed to push idle lock")
	}
}

// observeRemoteLock converges on a lock set elsewhere: tear down locally, do
// not rewrite the row (it is already locked, and overwriting would clobber
// the original reason).
func (c *Controller) observeRemoteLock(vaultID uuid.UUID) {
	c.logger.WithField("vault_id", vaultID).Info("Remote lock observed; tearing down local session")
	c.teardownLocal(vaultID)
}

// failClosed handles repeated poll failures: with no fresh information about
// the authoritative state, the safe assumption after a bounded number of
// misses is "locked".
func (c *Controller) failClosed(vaultID uuid.UUID) {
	c.logger.WithField("vault_id", vaultID).Warn("State polling failed repeatedly; failing closed")
	c.teardownLocal(vaultID)
}

// teardownLocal removes and stops the session for a vault, if any.
func (c *Controller) teardownLocal(vaultID uuid.UUID) {
	c.mu.Lock()
	sess := c.sessions[vaultID]
	delete(c.sessions, vaultID)
	c.mu.Unlock()

	if sess != nil {
		sess.stop()
	}
}

// touch records user interaction: the idle timer restarts and the
// authoritative row's activity timestamp refreshes for the server-side sweep.
func (c *Controller) touch(ctx context.Context, sess *session) {
	c.mu.RLock()
	live := c.sessions[sess.vaultID] == sess
	c.mu.RUnlock()
	if !live {
		return
	}

	sess.idleTimer.Reset(c.cfg.IdleLockTimeout)
	if err := c.states.TouchActivity(ctx, sess.vaultID); err != nil {
		c.logger.WithError(err).WithField("vault_id", sess.vaultID).Warn("Failed to record vault activity")
	}
}

// vaultForAccount loads the vault row, mapping the missing-row case to the
// provisioning sentinel.
func (c *Controller) vaultForAccount(ctx context.Context, accountID uuid.UUID) (*models.Vault, error) {
	v, err := c.states.GetByAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, vault_repo.ErrVaultNotFound) {
			return nil, ErrVaultNotProvisioned
		}
		return nil, err
	}
	return v, nil
}

// sessionForAccount resolves a live session, or ErrVaultLocked when there is
// none on this instance.
func (c *Controller) sessionForAccount(ctx context.Context, accountID uuid.UUID) (*session, error) {
	c.mu.RLock()
	for _, s := range c.sessions {
		if s.accountID == accountID {
			c.mu.RUnlock()
			return s, nil
		}
	}
	c.mu.RUnlock()

	// No volatile session. Distinguish "locked" from "never provisioned"
	// for the caller's error mapping.
	if _, err := c.vaultForAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return nil, ErrVaultLocked
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read entropy: %w", err)
	}
	return b, nil
}
