package vault_repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questlog/vault-api/src/database"
	"github.com/questlog/vault-api/src/models"
)

func setupVaultRepoTest(t *testing.T) (*VaultStateRepository, *RecordRepository) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	testDB, err := database.NewTestDatabase(logger)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })

	dbx := sqlx.NewDb(testDB.DB, "sqlite3")
	return NewVaultStateRepository(dbx, logger), NewRecordRepository(dbx, logger)
}

func testVault(accountID uuid.UUID) *models.Vault {
	return &models.Vault{
		AccountID:           accountID,
		PassphraseSalt:      []byte("0123456789abcdef"),
		CanaryIV:            []byte("iv-iv-iv-iv-"),
		CanarySalt:          []byte("salt-salt-salt-s"),
		CanaryCipher:        []byte("opaque-canary-ciphertext"),
		CryptoPolicyVersion: "v1",
	}
}

func TestVaultStateRepository_CreateStartsLocked(t *testing.T) {
	repo, _ := setupVaultRepoTest(t)

	v := testVault(uuid.New())
	require.NoError(t, repo.Create(context.Background(), v))

	got, err := repo.GetByAccount(context.Background(), v.AccountID)
	require.NoError(t, err)
	assert.True(t, got.Locked())
	assert.Equal(t, "v1", got.CryptoPolicyVersion)
}

func TestVaultStateRepository_GetByAccount_NotFound(t *testing.T) {
	repo, _ := setupVaultRepoTest(t)

	_, err := repo.GetByAccount(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrVaultNotFound)
}

func TestVaultStateRepository_UnlockThenLock(t *testing.T) {
	repo, _ := setupVaultRepoTest(t)
	ctx := context.Background()

	v := testVault(uuid.New())
	require.NoError(t, repo.Create(ctx, v))

	require.NoError(t, repo.Unlock(ctx, v.ID, "device-a"))
	state, err := repo.GetState(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, state.Locked())
	assert.Nil(t, state.LockReason)

	require.NoError(t, repo.Lock(ctx, v.ID, models.LockReasonLogout, "device-a"))
	state, err = repo.GetState(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, state.Locked())
	require.NotNil(t, state.LockReason)
	assert.Equal(t, string(models.LockReasonLogout), *state.LockReason)
}

func TestVaultStateRepository_TransitionsAreIdempotent(t *testing.T) {
	repo, _ := setupVaultRepoTest(t)
	ctx := context.Background()

	v := testVault(uuid.New())
	require.NoError(t, repo.Create(ctx, v))

	// Vault is already locked after Create; a second lock is a no-op and
	// must not append another audit event.
	require.NoError(t, repo.Lock(ctx, v.ID, models.LockReasonIdle, "device-a"))
	require.NoError(t, repo.Unlock(ctx, v.ID, "device-a"))
	require.NoError(t, repo.Unlock(ctx, v.ID, "device-a"))

	events, err := repo.ListEvents(ctx, v.ID, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, "unlocked", events[0].LockReason)
}

func TestVaultStateRepository_LockAppendsAuditEvent(t *testing.T) {
	repo, _ := setupVaultRepoTest(t)
	ctx := context.Background()

	v := testVault(uuid.New())
	require.NoError(t, repo.Create(ctx, v))
	require.NoError(t, repo.Unlock(ctx, v.ID, "device-a"))
	require.NoError(t, repo.Lock(ctx, v.ID, models.LockReasonBackgrounded, "device-b"))

	events, err := repo.ListEvents(ctx, v.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	lock := events[0]
	assert.Equal(t, string(models.LockReasonBackgrounded), lock.LockReason)
	assert.True(t, lock.LockedAt.Valid)
	require.True(t, lock.DeviceID.Valid)
	assert.Equal(t, "device-b", lock.DeviceID.String)
}

func TestVaultStateRepository_ListIdle(t *testing.T) {
	repo, _ := setupVaultRepoTest(t)
	ctx := context.Background()

	stale := testVault(uuid.New())
	require.NoError(t, repo.Create(ctx, stale))
	require.NoError(t, repo.Unlock(ctx, stale.ID, ""))

	active := testVault(uuid.New())
	require.NoError(t, repo.Create(ctx, active))
	require.NoError(t, repo.Unlock(ctx, active.ID, ""))

	locked := testVault(uuid.New())
	require.NoError(t, repo.Create(ctx, locked))

	// Push the stale vault's activity into the past, refresh the active one.
	past := time.Now().UTC().Add(-time.Hour)
	_, err := repo.db.ExecContext(ctx, "UPDATE vaults SET last_activity_at = $1 WHERE id = $2", past, stale.ID)
	require.NoError(t, err)
	require.NoError(t, repo.TouchActivity(ctx, active.ID))

	idle, err := repo.ListIdle(ctx, time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, stale.ID, idle[0].ID)
}
