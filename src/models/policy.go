package models

import (
	"encoding/json"
	"time"
)

// Supported algorithm and KDF identifiers. Decrypt always dispatches on the
// version tag stored with the record, so deprecated identifiers stay
// resolvable indefinitely.
const (
	AlgorithmAESGCM  = "aes-256-gcm"
	AlgorithmXChaCha = "xchacha20-poly1305"
	KDFArgon2id      = "argon2id"
	KDFPBKDF2SHA256  = "pbkdf2-sha256"
)

// KDFParams carries the cost parameters for a policy's key derivation
// function. Argon2id uses Time/MemoryKiB/Threads; PBKDF2 uses Iterations.
type KDFParams struct {
	Time       uint32 `json:"time,omitempty"`
	MemoryKiB  uint32 `json:"memory_kib,omitempty"`
	Threads    uint8  `json:"threads,omitempty"`
	Iterations int    `json:"iterations,omitempty"`
	KeyLength  uint32 `json:"key_length"`
}

// CryptoPolicy is a versioned algorithm+parameter tuple. Exactly one policy
// is current for new writes; deprecated versions remain readable so existing
// records stay decryptable.
type CryptoPolicy struct {
	Version    string    `db:"version" json:"version"`
	Algorithm  string    `db:"algorithm" json:"algorithm"`
	KDF        string    `db:"kdf" json:"kdf"`
	KDFParams  string    `db:"kdf_params" json:"-"`
	SaltLength int       `db:"salt_length" json:"salt_length"`
	IVLength   int       `db:"iv_length" json:"iv_length"`
	Current    bool      `db:"current" json:"current"`
	Deprecated bool      `db:"deprecated" json:"deprecated"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Params deserializes the stored KDF parameter JSON.
func (p *CryptoPolicy) Params() (KDFParams, error) {
	var kp KDFParams
	err := json.Unmarshal([]byte(p.KDFParams), &kp)
	return kp, err
}

// SetParams serializes KDF parameters for storage.
func (p *CryptoPolicy) SetParams(kp KDFParams) error {
	data, err := json.Marshal(kp)
	if err != nil {
		return err
	}
	p.KDFParams = string(data)
	return nil
}

// DefaultPolicyV1 is the launch policy: AES-256-GCM records with Argon2id
// passphrase derivation. Argon2id cost is deliberately hundreds of
// milliseconds on commodity hardware.
func DefaultPolicyV1() CryptoPolicy {
	p := CryptoPolicy{
		Version:    "v1",
		Algorithm:  AlgorithmAESGCM,
		KDF:        KDFArgon2id,
		SaltLength: 16, // 128-bit per-record salt
		IVLength:   12, // 96-bit GCM nonce
		Current:    true,
	}
	_ = p.SetParams(KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4, KeyLength: 32})
	return p
}
