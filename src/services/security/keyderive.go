package security

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/questlog/vault-api/src/models"
)

// KeySize is the symmetric key length in bytes (256 bits).
const KeySize = 32

// MasterSaltSize is the per-vault KDF salt length (128 bits).
const MasterSaltSize = 16

// hkdfInfo domain-separates record subkeys from other HKDF uses of the
// master key.
var hkdfInfo = []byte("vault-record-key-v1")

// DeriveMasterKey turns a passphrase and the vault salt into the session
// master key using the policy's KDF. Deterministic: same passphrase+salt
// always yields the same key; the deliberate slowness of the KDF is the
// offline brute-force defence, not a performance bug.
//
// Returns ErrKeyDerivation only on malformed input. A wrong passphrase
// derives a wrong-but-valid key; correctness is verified one layer up by
// decrypting the vault canary.
func DeriveMasterKey(passphrase string, salt []byte, policy *models.CryptoPolicy) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrKeyDerivation)
	}
	if len(salt) != policy.SaltLength {
		return nil, fmt.Errorf("%w: salt length %d, want %d", ErrKeyDerivation, len(salt), policy.SaltLength)
	}

	params, err := policy.Params()
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable KDF params for %s", ErrPolicyVersionUnsupported, policy.Version)
	}
	keyLen := params.KeyLength
	if keyLen == 0 {
		keyLen = KeySize
	}

	switch policy.KDF {
	case models.KDFArgon2id:
		return argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Threads, keyLen), nil
	case models.KDFPBKDF2SHA256:
		return pbkdf2.Key([]byte(passphrase), salt, params.Iterations, int(keyLen), sha256.New), nil
	default:
		return nil, fmt.Errorf("%w: unknown KDF %q", ErrPolicyVersionUnsupported, policy.KDF)
	}
}

// DeriveRecordKey expands the session master key into a per-record subkey
// bound to the record's unique salt. Cheap (single HKDF pass), so every
// record can carry its own 128-bit salt without paying the passphrase-KDF
// cost per record. Different salts yield unlinkable keys.
func DeriveRecordKey(masterKey, recordSalt []byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: master key length %d", ErrKeyDerivation, len(masterKey))
	}
	if len(recordSalt) == 0 {
		return nil, fmt.Errorf("%w: empty record salt", ErrKeyDerivation)
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, masterKey, recordSalt, hkdfInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: hkdf expand: %v", ErrKeyDerivation, err)
	}
	return key, nil
}
