package security

import "errors"

// Cryptographic failure taxonomy. Callers branch on these sentinels; no raw
// cipher or KDF internals ever cross the service boundary.
var (
	// ErrTamperDetected means an authentication tag did not verify during a
	// normal decrypt. The response is identical whether the IV, the tag or the
	// ciphertext was the point of failure, so it cannot be used as an oracle.
	ErrTamperDetected = errors.New("tamper detected: payload failed authentication")

	// ErrKeyDerivation means the KDF was handed malformed input (empty
	// passphrase, wrong salt length). It never signals a wrong passphrase;
	// passphrase correctness is only ever decided by canary decryption.
	ErrKeyDerivation = errors.New("key derivation failed: malformed input")

	// ErrPolicyVersionUnsupported means a record references a crypto policy
	// version, algorithm or KDF this build cannot resolve. Fatal for that
	// record only.
	ErrPolicyVersionUnsupported = errors.New("unsupported crypto policy version")
)
