// Package auth issues and validates bridge session tokens.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenMissing = errors.New("token is missing")
)

// Actors recognised by the bridge.
const (
	ActorUI  = "ui"
	ActorCLI = "cli"
)

// Claims carried by a session token. The registered ID is the token id
// recorded in the audit trail.
type Claims struct {
	Actor string `json:"actor"`
	jwt.RegisteredClaims
}

// SessionService signs tokens with a secret that lives only as long as the
// host process, so tokens never survive a restart.
type SessionService struct {
	secretKey []byte
	ttl       time.Duration
	issuer    string
}

// NewSessionService creates a service with a fresh random HS256 secret.
func NewSessionService(ttl time.Duration, issuer string) (*SessionService, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate session secret: %w", err)
	}
	return NewSessionServiceWithSecret(secret, ttl, issuer), nil
}

// NewSessionServiceWithSecret creates a service with a caller-provided secret.
func NewSessionServiceWithSecret(secret []byte, ttl time.Duration, issuer string) *SessionService {
	return &SessionService{secretKey: secret, ttl: ttl, issuer: issuer}
}

// Issue signs a token for actor.
func (s *SessionService) Issue(actor string) (string, *Claims, error) {
	now := time.Now()
	claims := &Claims{
		Actor: actor,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   actor,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Validate parses tokenString and verifies signature, issuer and expiry.
func (s *SessionService) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrTokenMissing
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return s.secretKey, nil
	}, jwt.WithIssuer(s.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrTokenInvalid
}
