package security

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/config"
)

// TokenClaims is the authenticated identity attached to each request. The
// vault subsystem treats session issuance as an external collaborator; it only
// consumes the opaque account id the token carries.
type TokenClaims struct {
	AccountID string `json:"account_id"`
	DeviceID  string `json:"device_id"`
	jwt.RegisteredClaims
}

// JWTService validates bearer tokens issued by the auth tier.
type JWTService struct {
	secret []byte
	logger *logrus.Logger
}

// NewJWTService creates a JWT service from the configured signing secret.
func NewJWTService(cfg *config.Config, logger *logrus.Logger) (*JWTService, error) {
	if err := config.ValidateJWTSecret(cfg.JWTSecret); err != nil {
		return nil, err
	}
	return &JWTService{
		secret: []byte(cfg.JWTSecret),
		logger: logger,
	}, nil
}

// ValidateToken parses and verifies a bearer token.
func (s *JWTService) ValidateToken(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.AccountID == "" {
		return nil, fmt.Errorf("token missing account id")
	}
	return claims, nil
}

// IssueToken signs a token for the given account and device. Used by tests
// and local tooling; production tokens come from the auth tier.
func (s *JWTService) IssueToken(accountID, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &TokenClaims{
		AccountID: accountID,
		DeviceID:  deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
