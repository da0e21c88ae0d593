package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questlog/vault-api/src/config"
	"github.com/questlog/vault-api/src/database"
	"github.com/questlog/vault-api/src/models"
	policy_repo "github.com/questlog/vault-api/src/repository/policy"
	vault_repo "github.com/questlog/vault-api/src/repository/vault"
	"github.com/questlog/vault-api/src/services/policy"
	"github.com/questlog/vault-api/src/services/security"
)

type controllerFixture struct {
	controller *Controller
	states     *vault_repo.VaultStateRepository
	records    *vault_repo.RecordRepository
	registry   *policy.Registry
	cfg        *config.Config
	db         *database.DB
}

// sessionCount reads the live session table the way the poller callbacks
// mutate it.
func (f *controllerFixture) sessionCount() int {
	f.controller.mu.RLock()
	defer f.controller.mu.RUnlock()
	return len(f.controller.sessions)
}

// cheapPolicy keeps per-unlock KDF cost negligible in tests.
func cheapPolicy(version string) models.CryptoPolicy {
	p := models.CryptoPolicy{
		Version:    version,
		Algorithm:  models.AlgorithmAESGCM,
		KDF:        models.KDFArgon2id,
		SaltLength: 16,
		IVLength:   12,
	}
	_ = p.SetParams(models.KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLength: 32})
	return p
}

func setupController(t *testing.T, cfg *config.Config) *controllerFixture {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	testDB, err := database.NewTestDatabase(logger)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })

	dbx := sqlx.NewDb(testDB.DB, "sqlite3")
	states := vault_repo.NewVaultStateRepository(dbx, logger)
	records := vault_repo.NewRecordRepository(dbx, logger)
	registry := policy.NewRegistry(policy_repo.NewPolicyRepository(dbx, logger), logger)
	require.NoError(t, registry.Bootstrap(context.Background()))

	fast := cheapPolicy("test-fast")
	require.NoError(t, registry.Rollout(context.Background(), &fast))

	if cfg == nil {
		cfg = &config.Config{
			IdleLockTimeout:   time.Hour,
			StatePollInterval: time.Hour,
			MaxPollFailures:   3,
		}
	}

	controller := NewController(cfg, states, records, registry, nil, logger)
	t.Cleanup(controller.Close)

	return &controllerFixture{
		controller: controller,
		states:     states,
		records:    records,
		registry:   registry,
		cfg:        cfg,
		db:         testDB,
	}
}

func TestController_SetupProvisionsLockedVault(t *testing.T) {
	f := setupController(t, nil)
	ctx := context.Background()
	accountID := uuid.New()

	v, err := f.controller.Setup(ctx, accountID, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, v.Locked())
	assert.Equal(t, "test-fast", v.CryptoPolicyVersion)
	assert.NotEmpty(t, v.PassphraseSalt)
	assert.NotEmpty(t, v.CanaryCipher)

	_, err = f.controller.Setup(ctx, accountID, "another passphrase")
	assert.ErrorIs(t, err, ErrVaultAlreadyProvisioned)
}

func TestController_UnlockNotProvisioned(t *testing.T) {
	f := setupController(t, nil)

	_, err := f.controller.Unlock(context.Background(), uuid.New(), "whatever", "device-a")
	assert.ErrorIs(t, err, ErrVaultNotProvisioned)
}

func TestController_UnlockWrongPassphrase(t *testing.T) {
	f := setupController(t, nil)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := f.controller.Setup(ctx, accountID, "the real passphrase")
	require.NoError(t, err)

	_, err = f.controller.Unlock(ctx, accountID, "not the passphrase", "device-a")
	assert.ErrorIs(t, err, ErrPassphraseMismatch)

	// State stays locked; protected operations keep failing.
	state, err := f.controller.State(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, state.Locked())

	_, err = f.controller.EncryptRecord(ctx, accountID, []byte("nope"))
	assert.ErrorIs(t, err, ErrVaultLocked)
}

func TestController_UnlockAndLockLifecycle(t *testing.T) {
	f := setupController(t, nil)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := f.controller.Setup(ctx, accountID, "open sesame")
	require.NoError(t, err)

	_, err = f.controller.Unlock(ctx, accountID, "open sesame", "device-a")
	require.NoError(t, err)

	state, err := f.controller.State(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, state.Locked())

	state, err = f.controller.Lock(ctx, accountID, models.LockReasonLogout, "device-a")
	require.NoError(t, err)
	assert.True(t, state.Locked())
	require.NotNil(t, state.LockReason)
	assert.Equal(t, string(models.LockReasonLogout), *state.LockReason)

	_, err = f.controller.EncryptRecord(ctx, accountID, []byte("blocked"))
	assert.ErrorIs(t, err, ErrVaultLocked)
	_, err = f.controller.Search(ctx, accountID, "blocked")
	assert.ErrorIs(t, err, ErrVaultLocked)
}

func TestController_EncryptDecryptRoundTrip(t *testing.T) {
	f := setupController(t, nil)
	ctx := context.Background()
	accountID := uuid.New()

	v, err := f.controller.Setup(ctx, accountID, "open sesame")
	require.NoError(t, err)
	_, err = f.controller.Unlock(ctx, accountID, "open sesame", "device-a")
	require.NoError(t, err)

	plaintext := []byte("pick up the dry cleaning")
	payload, err := f.controller.EncryptRecord(ctx, accountID, plaintext)
	require.NoError(t, err)
	assert.Equal(t, "test-fast", payload.PolicyVersion)
	assert.Len(t, payload.IV, 12)
	assert.Len(t, payload.Salt, 16)
	assert.NotEqual(t, plaintext, payload.Ciphertext)

	// Fresh IV and salt per encrypt, even for identical plaintext.
	second, err := f.controller.EncryptRecord(ctx, accountID, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, payload.IV, second.IV)
	assert.NotEqual(t, payload.Salt, second.Salt)
	assert.NotEqual(t, payload.Ciphertext, second.Ciphertext)

	rec := &models.VaultRecord{
		VaultID:       v.ID,
		Ciphertext:    payload.Ciphertext,
		IV:            payload.IV,
		Salt:          payload.Salt,
		PolicyVersion: payload.PolicyVersion,
	}
	require.NoError(t, f.records.Create(ctx, rec))

	got, err := f.controller.DecryptRecord(ctx, accountID, rec)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestController_DecryptSurvivesPolicyRollout(t *testing.T) {
	f := setupController(t, nil)
	ctx := context.Background()
	accountID := uuid.New()

	v, err := f.controller.Setup(ctx, accountID, "open sesame")
	require.NoError(t, err)
	_, err = f.controller.Unlock(ctx, accountID, "open sesame", "device-a")
	require.NoError(t, err)

	payload, err := f.controller.EncryptRecord(ctx, accountID, []byte("written under the old policy"))
	require.NoError(t, err)
	rec := &models.VaultRecord{
		VaultID:       v.ID,
		Ciphertext:    payload.Ciphertext,
		IV:            payload.IV,
		Salt:          payload.Salt,
		PolicyVersion: payload.PolicyVersion,
	}
	require.NoError(t, f.records.Create(ctx, rec))

	// Roll out a new current policy; the old version becomes deprecated.
	next := cheapPolicy("test-next")
	require.NoError(t, f.registry.Rollout(ctx, &next))

	got, err := f.controller.DecryptRecord(ctx, accountID, rec)
	require.NoError(t, err)
	assert.Equal(t, []byte("written under the old policy"), got)

	// New writes pick up the new version.
	fresh, err := f.controller.EncryptRecord(ctx, accountID, []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, "test-next", fresh.PolicyVersion)
}

func TestController_SearchAfterRebuild(t *testing.T) {
	f := setupController(t, nil)
	ctx := context.Background()
	accountID := uuid.New()

	v, err := f.controller.Setup(ctx, accountID, "open sesame")
	require.NoError(t, err)
	_, err = f.controller.Unlock(ctx, accountID, "open sesame", "device-a")
	require.NoError(t, err)

	contents := []string{"water the plants", "plants need fertilizer", "renew the passport"}
	ids := make([]uuid.UUID, 0, len(contents))
	for _, content := range contents {
		payload, err := f.controller.EncryptRecord(ctx, accountID, []byte(content))
		require.NoError(t, err)
		rec := &models.VaultRecord{
			VaultID:       v.ID,
			Ciphertext:    payload.Ciphertext,
			IV:            payload.IV,
			Salt:          payload.Salt,
			PolicyVersion: payload.PolicyVersion,
		}
		require.NoError(t, f.records.Create(ctx, rec))
		f.controller.IndexRecord(accountID, rec.ID, []byte(content), time.Now())
		ids = append(ids, rec.ID)
	}

	// Incremental index answers immediately.
	hits, err := f.controller.Search(ctx, accountID, "plants")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{ids[0], ids[1]}, hits)

	// Lock discards the index; a fresh unlock rebuilds it from ciphertext.
	_, err = f.controller.Lock(ctx, accountID, models.LockReasonBackgrounded, "device-a")
	require.NoError(t, err)

	report, err := f.controller.Unlock(ctx, accountID, "open sesame", "device-a")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 3, report.Indexed)
	assert.Empty(t, report.Skipped)

	hits, err = f.controller.Search(ctx, accountID, "passport")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids[2]}, hits)
}

func TestController_RebuildSkipsTamperedRecord(t *testing.T) {
	f := setupController(t, nil)
	ctx := context.Background()
	accountID := uuid.New()

	v, err := f.controller.Setup(ctx, accountID, "open sesame")
	require.NoError(t, err)
	_, err = f.controller.Unlock(ctx, accountID, "open sesame", "device-a")
	require.NoError(t, err)

	payload, err := f.controller.EncryptRecord(ctx, accountID, []byte("intact"))
	require.NoError(t, err)
	intact := &models.VaultRecord{
		VaultID: v.ID, Ciphertext: payload.Ciphertext, IV: payload.IV,
		Salt: payload.Salt, PolicyVersion: payload.PolicyVersion,
	}
	require.NoError(t, f.records.Create(ctx, intact))

	payload, err = f.controller.EncryptRecord(ctx, accountID, []byte("about to be corrupted"))
	require.NoError(t, err)
	corrupted := payload.Ciphertext
	corrupted[0] ^= 0x01
	bad := &models.VaultRecord{
		VaultID: v.ID, Ciphertext: corrupted, IV: payload.IV,
		Salt: payload.Salt, PolicyVersion: payload.PolicyVersion,
	}
	require.NoError(t, f.records.Create(ctx, bad))

	report, err := f.controller.RefreshIndex(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, bad.ID, report.Skipped[0].RecordID)
	assert.Equal(t, "tamper_detected", report.Skipped[0].Reason)
}

func TestController_IdleTimeoutLocks(t *testing.T) {
	cfg := &config.Config{
		IdleLockTimeout:   60 * time.Millisecond,
		StatePollInterval: time.Hour,
		MaxPollFailures:   3,
	}
	f := setupController(t, cfg)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := f.controller.Setup(ctx, accountID, "open sesame")
	require.NoError(t, err)
	_, err = f.controller.Unlock(ctx, accountID, "open sesame", "device-a")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := f.controller.State(ctx, accountID)
		return err == nil && state.Locked()
	}, 2*time.Second, 10*time.Millisecond)

	state, err := f.controller.State(ctx, accountID)
	require.NoError(t, err)
	require.NotNil(t, state.LockReason)
	assert.Equal(t, string(models.LockReasonIdle), *state.LockReason)

	_, err = f.controller.EncryptRecord(ctx, accountID, []byte("too late"))
	assert.ErrorIs(t, err, ErrVaultLocked)
}

func TestController_TamperedSaltDetected(t *testing.T) {
	f := setupController(t, nil)
	ctx := context.Background()
	accountID := uuid.New()

	v, err := f.controller.Setup(ctx, accountID, "open sesame")
	require.NoError(t, err)
	_, err = f.controller.Unlock(ctx, accountID, "open sesame", "device-a")
	require.NoError(t, err)

	payload, err := f.controller.EncryptRecord(ctx, accountID, []byte("bound to its salt"))
	require.NoError(t, err)

	// A flipped salt bit derives a different record key, so the tag check
	// fails exactly as it does for a flipped ciphertext or IV bit.
	payload.Salt[0] ^= 0x01
	rec := &models.VaultRecord{
		VaultID:       v.ID,
		Ciphertext:    payload.Ciphertext,
		IV:            payload.IV,
		Salt:          payload.Salt,
		PolicyVersion: payload.PolicyVersion,
	}

	_, err = f.controller.DecryptRecord(ctx, accountID, rec)
	assert.ErrorIs(t, err, security.ErrTamperDetected)
}

func TestController_RepeatedPollFailuresFailClosed(t *testing.T) {
	cfg := &config.Config{
		IdleLockTimeout:   time.Hour,
		StatePollInterval: 20 * time.Millisecond,
		MaxPollFailures:   2,
	}
	f := setupController(t, cfg)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := f.controller.Setup(ctx, accountID, "open sesame")
	require.NoError(t, err)
	_, err = f.controller.Unlock(ctx, accountID, "open sesame", "device-a")
	require.NoError(t, err)
	require.Equal(t, 1, f.sessionCount())

	// Sever the authoritative store; every poll from here on fails.
	require.NoError(t, f.db.Close())

	// With no fresh information for MaxPollFailures consecutive polls the
	// device assumes locked and purges its session.
	require.Eventually(t, func() bool {
		return f.sessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestController_IdleTimerFiringDuringUnlock(t *testing.T) {
	// A timeout shorter than the unlock itself forces the timer to fire
	// while the unlock is still in flight.
	cfg := &config.Config{
		IdleLockTimeout:   time.Nanosecond,
		StatePollInterval: time.Hour,
		MaxPollFailures:   3,
	}
	f := setupController(t, cfg)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := f.controller.Setup(ctx, accountID, "open sesame")
	require.NoError(t, err)
	_, err = f.controller.Unlock(ctx, accountID, "open sesame", "device-a")
	require.NoError(t, err)

	// The timer callback must still find and tear down the session; a
	// stranded live session against a locked row would stay here forever
	// with the poller effectively off.
	require.Eventually(t, func() bool {
		if f.sessionCount() != 0 {
			return false
		}
		state, err := f.controller.State(ctx, accountID)
		return err == nil && state.Locked()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestController_RemoteLockConvergesWithinPollInterval(t *testing.T) {
	cfg := &config.Config{
		IdleLockTimeout:   time.Hour,
		StatePollInterval: 30 * time.Millisecond,
		MaxPollFailures:   3,
	}
	f := setupController(t, cfg)
	ctx := context.Background()
	accountID := uuid.New()

	_, err := f.controller.Setup(ctx, accountID, "open sesame")
	require.NoError(t, err)

	// Device B holds a session on a second controller sharing the same
	// authoritative store.
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	deviceB := NewController(cfg, f.states, f.records, f.registry, nil, logger)
	t.Cleanup(deviceB.Close)

	_, err = deviceB.Unlock(ctx, accountID, "open sesame", "device-b")
	require.NoError(t, err)
	_, err = f.controller.Unlock(ctx, accountID, "open sesame", "device-a")
	require.NoError(t, err)

	// Device A locks via logout; device B must converge without ever
	// locking itself.
	_, err = f.controller.Lock(ctx, accountID, models.LockReasonLogout, "device-a")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := deviceB.EncryptRecord(ctx, accountID, []byte("should be rejected"))
		return errors.Is(err, ErrVaultLocked)
	}, 2*time.Second, 10*time.Millisecond)
}
