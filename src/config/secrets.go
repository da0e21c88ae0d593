package config

import (
	"fmt"
	"os"
	"strings"
)

const minJWTSecretLength = 32

// readSecretFromFile loads a secret from a mounted file, trimming whitespace.
func readSecretFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file %q: %w", path, err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %q is empty", path)
	}
	return secret, nil
}

// ValidateJWTSecret enforces minimum strength for the token signing secret.
// The vault API refuses to boot without it: every protected route depends on
// the authenticated identity the token carries.
func ValidateJWTSecret(secret string) error {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return fmt.Errorf("JWT_SECRET is required for token signing")
	}
	if len(trimmed) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters (got %d)", minJWTSecretLength, len(trimmed))
	}
	return nil
}
