package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/questlog/vault-api/src/models"
)

// RecordCipher performs authenticated encryption of single opaque payloads.
// Pure functions, no I/O: the caller supplies the derived key, the cipher
// supplies the IV. There is deliberately no API that accepts a caller-chosen
// IV for encryption - the IV is always generated fresh at seal time, which is
// what structurally prevents IV reuse under a given key.
type RecordCipher struct{}

// NewRecordCipher creates a record cipher.
func NewRecordCipher() *RecordCipher {
	return &RecordCipher{}
}

// aeadFor resolves the policy's algorithm name to an AEAD instance.
func (c *RecordCipher) aeadFor(policy *models.CryptoPolicy, key []byte) (cipher.AEAD, error) {
	switch policy.Algorithm {
	case models.AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
		}
		return cipher.NewGCM(block)
	case models.AlgorithmXChaCha:
		return chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrPolicyVersionUnsupported, policy.Algorithm)
	}
}

// Encrypt seals plaintext under the derived key, generating a fresh IV from
// crypto/rand. Side-effect free apart from reading entropy.
func (c *RecordCipher) Encrypt(policy *models.CryptoPolicy, key, plaintext []byte) (iv, ciphertext []byte, err error) {
	aead, err := c.aeadFor(policy, key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}

	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return iv, ciphertext, nil
}

// Decrypt opens a sealed payload. Any failure - wrong key, flipped bit in the
// IV, tag or ciphertext, truncated input - maps to the single constant
// ErrTamperDetected so error responses carry no oracle detail.
func (c *RecordCipher) Decrypt(policy *models.CryptoPolicy, key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := c.aeadFor(policy, key)
	if err != nil {
		return nil, err
	}

	if len(iv) != aead.NonceSize() {
		return nil, ErrTamperDetected
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrTamperDetected
	}
	return plaintext, nil
}
