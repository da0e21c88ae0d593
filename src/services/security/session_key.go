package security

import "runtime"

// SessionKey is the in-memory handle for a derived master key. It exists only
// for the life of an unlocked session; it is never persisted, never logged and
// never copied out of the lock controller that owns it.
type SessionKey struct {
	key []byte
}

// NewSessionKey wraps freshly derived key material.
func NewSessionKey(key []byte) *SessionKey {
	return &SessionKey{key: key}
}

// Bytes exposes the raw key to the mediating cipher calls. Callers must not
// retain the slice beyond the call.
func (s *SessionKey) Bytes() []byte {
	return s.key
}

// Wipe overwrites the key material and drops the reference. Multi-pass
// overwrite (all-ones then zeros) to defeat simple forensic recovery, matching
// how the rest of the stack purges key buffers.
func (s *SessionKey) Wipe() {
	if s.key == nil {
		return
	}
	for i := range s.key {
		s.key[i] = 0xFF
	}
	for i := range s.key {
		s.key[i] = 0x00
	}
	s.key = nil
	runtime.GC()
}

// WipeBytes zeroes a transient key buffer (e.g. a per-record subkey).
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
