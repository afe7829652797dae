// Package auth provides the credential surface the upload gateway transport
// consumes. The core never touches raw secrets beyond this boundary.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for tokens that fail validation.
var ErrInvalidToken = errors.New("invalid token")

// CredentialProvider yields the current access token, if any.
type CredentialProvider interface {
	CurrentAccessToken() (token string, ok bool)
}

// Claims carried by device tokens.
type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// TokenService mints and validates device bearer tokens. It doubles as a
// CredentialProvider, re-minting shortly before expiry.
type TokenService struct {
	secret      []byte
	deviceID    string
	expireHours int

	mu      sync.Mutex
	current string
	expiry  time.Time
}

// NewTokenService creates a token service for this device.
func NewTokenService(secret, deviceID string, expireHours int) *TokenService {
	if expireHours <= 0 {
		expireHours = 24
	}
	return &TokenService{secret: []byte(secret), deviceID: deviceID, expireHours: expireHours}
}

// CurrentAccessToken implements CredentialProvider.
func (s *TokenService) CurrentAccessToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != "" && time.Until(s.expiry) > time.Minute {
		return s.current, true
	}
	token, expiry, err := s.mint()
	if err != nil {
		return "", false
	}
	s.current, s.expiry = token, expiry
	return token, true
}

func (s *TokenService) mint() (string, time.Time, error) {
	expiry := time.Now().Add(time.Duration(s.expireHours) * time.Hour)
	claims := Claims{
		DeviceID: s.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return token, expiry, err
}

// Validate parses and validates a bearer token, returning its claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// StaticProvider returns a fixed token (e.g. injected by the host platform).
type StaticProvider string

// CurrentAccessToken implements CredentialProvider.
func (p StaticProvider) CurrentAccessToken() (string, bool) {
	return string(p), p != ""
}
