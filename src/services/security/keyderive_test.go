package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questlog/vault-api/src/models"
)

// fastPolicy keeps argon2 cost negligible for unit tests.
func fastPolicy() *models.CryptoPolicy {
	p := models.DefaultPolicyV1()
	_ = p.SetParams(models.KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLength: 32})
	return &p
}

func TestDeriveMasterKey_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")

	k1, err := DeriveMasterKey("hunter2", salt, fastPolicy())
	require.NoError(t, err)
	k2, err := DeriveMasterKey("hunter2", salt, fastPolicy())
	require.NoError(t, err)

	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)
}

func TestDeriveMasterKey_SaltsUnlinkKeys(t *testing.T) {
	k1, err := DeriveMasterKey("hunter2", []byte("0123456789abcdef"), fastPolicy())
	require.NoError(t, err)
	k2, err := DeriveMasterKey("hunter2", []byte("fedcba9876543210"), fastPolicy())
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
}

func TestDeriveMasterKey_WrongPassphraseStillDerives(t *testing.T) {
	// A wrong passphrase is not a derivation failure; it yields a
	// wrong-but-valid key. Correctness is decided by canary decryption.
	salt := []byte("0123456789abcdef")

	right, err := DeriveMasterKey("correct", salt, fastPolicy())
	require.NoError(t, err)
	wrong, err := DeriveMasterKey("incorrect", salt, fastPolicy())
	require.NoError(t, err)

	assert.NotEqual(t, right, wrong)
}

func TestDeriveMasterKey_MalformedInput(t *testing.T) {
	_, err := DeriveMasterKey("", []byte("0123456789abcdef"), fastPolicy())
	assert.ErrorIs(t, err, ErrKeyDerivation)

	_, err = DeriveMasterKey("hunter2", []byte("short"), fastPolicy())
	assert.ErrorIs(t, err, ErrKeyDerivation)
}

func TestDeriveMasterKey_PBKDF2(t *testing.T) {
	p := fastPolicy()
	p.KDF = models.KDFPBKDF2SHA256
	require.NoError(t, p.SetParams(models.KDFParams{Iterations: 1000, KeyLength: 32}))

	k1, err := DeriveMasterKey("hunter2", []byte("0123456789abcdef"), p)
	require.NoError(t, err)
	k2, err := DeriveMasterKey("hunter2", []byte("0123456789abcdef"), p)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestDeriveMasterKey_UnknownKDF(t *testing.T) {
	p := fastPolicy()
	p.KDF = "md5"

	_, err := DeriveMasterKey("hunter2", []byte("0123456789abcdef"), p)
	assert.ErrorIs(t, err, ErrPolicyVersionUnsupported)
}

func TestDeriveRecordKey_BoundToSalt(t *testing.T) {
	master := make([]byte, KeySize)
	for i := range master {
		master[i] = byte(i)
	}

	k1, err := DeriveRecordKey(master, []byte("record-salt-0001"))
	require.NoError(t, err)
	k1again, err := DeriveRecordKey(master, []byte("record-salt-0001"))
	require.NoError(t, err)
	k2, err := DeriveRecordKey(master, []byte("record-salt-0002"))
	require.NoError(t, err)

	assert.Equal(t, k1, k1again)
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, master, k1)
}

func TestDeriveRecordKey_MalformedInput(t *testing.T) {
	_, err := DeriveRecordKey([]byte("short"), []byte("record-salt-0001"))
	assert.ErrorIs(t, err, ErrKeyDerivation)

	master := make([]byte, KeySize)
	_, err = DeriveRecordKey(master, nil)
	assert.ErrorIs(t, err, ErrKeyDerivation)
}

func TestSessionKey_Wipe(t *testing.T) {
	raw := []byte{1, 2, 3, 4}
	key := NewSessionKey(raw)
	assert.Equal(t, []byte{1, 2, 3, 4}, key.Bytes())

	key.Wipe()
	assert.Nil(t, key.Bytes())
	// The original buffer was overwritten, not just dereferenced.
	assert.Equal(t, []byte{0, 0, 0, 0}, raw)

	// Double wipe is harmless.
	key.Wipe()
}
