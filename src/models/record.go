package models

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VaultRecord is one encrypted unit of user content. The ciphertext, IV and
// salt are opaque to the storage tier; only the envelope metadata (timestamps,
// category, completion flag) is readable server-side.
//
// A record is immutable once written in the sense that a content change
// replaces the whole ciphertext+iv+salt triple under the same record id; the
// triple is never partially mutated, which is what prevents IV reuse.
type VaultRecord struct {
	ID            uuid.UUID      `db:"id"`
	VaultID       uuid.UUID      `db:"vault_id"`
	Ciphertext    []byte         `db:"ciphertext"`
	IV            []byte         `db:"iv"`
	Salt          []byte         `db:"salt"`
	PolicyVersion string         `db:"policy_version"`
	Category      sql.NullString `db:"category"`
	Completed     bool           `db:"completed"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// RecordEnvelope is the versioned wire form of an encrypted payload:
//
//	{ "iv": <base64>, "salt": <base64>, "cipher": <base64>, "version": "v1" }
type RecordEnvelope struct {
	IV      string `json:"iv"`
	Salt    string `json:"salt"`
	Cipher  string `json:"cipher"`
	Version string `json:"version"`
}

// Envelope renders the record's opaque payload in wire form.
func (r *VaultRecord) Envelope() RecordEnvelope {
	return RecordEnvelope{
		IV:      base64.StdEncoding.EncodeToString(r.IV),
		Salt:    base64.StdEncoding.EncodeToString(r.Salt),
		Cipher:  base64.StdEncoding.EncodeToString(r.Ciphertext),
		Version: r.PolicyVersion,
	}
}

// Decode converts the wire form back into raw payload bytes.
func (e *RecordEnvelope) Decode() (iv, salt, cipher []byte, err error) {
	if iv, err = base64.StdEncoding.DecodeString(e.IV); err != nil {
		return nil, nil, nil, fmt.Errorf("decode iv: %w", err)
	}
	if salt, err = base64.StdEncoding.DecodeString(e.Salt); err != nil {
		return nil, nil, nil, fmt.Errorf("decode salt: %w", err)
	}
	if cipher, err = base64.StdEncoding.DecodeString(e.Cipher); err != nil {
		return nil, nil, nil, fmt.Errorf("decode cipher: %w", err)
	}
	return iv, salt, cipher, nil
}

// MarshalBlob serializes the envelope for clients that persist it as a single
// opaque blob.
func (e *RecordEnvelope) MarshalBlob() ([]byte, error) {
	return json.Marshal(e)
}
