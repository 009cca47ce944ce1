// Package auth holds the credential subsystem: bcrypt password hashing, JWT
// access and refresh tokens, and the middleware that guards protected routes.
//
// TWO TOKENS, TWO SECRETS:
// The server issues a short-lived access token (sent on every request) and a
// long-lived refresh token (sent only to POST /refresh-token). Each kind has
// its own TokenService with its own secret and lifetime, so a leaked access
// secret cannot be used to mint refresh tokens.
//
//	access payload:  {"_id":"<user id>","email":"a@b.c","iss":"user-api","exp":...,"jti":...}
//	refresh payload: {"_id":"<user id>","iss":"user-api","exp":...,"jti":...}
//
// The latest refresh token is also stored on the user record. A refresh
// request must present exactly that token; anything older is rejected.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"
)

const issuer = "user-api"

var (
	// ErrInvalidToken covers bad signatures, wrong algorithms or issuers,
	// malformed input and expiry.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenExpired wraps ErrInvalidToken, so errors.Is matches both.
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrInvalidToken)
)

// Claims is the JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"_id"`
	Email  string `json:"email,omitempty"`
}

// TokenService signs and verifies one kind of token.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService. The secret must be at least 16
// bytes; generate one with `openssl rand -hex 32`.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: token lifetime must be positive")
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// Generate signs a token for userID with the service's lifetime. email is
// embedded when non-empty (access tokens) and left out otherwise (refresh).
func (s *TokenService) Generate(userID, email string) (string, error) {
	return s.GenerateWithDuration(userID, email, s.ttl)
}

// GenerateWithDuration signs a token with a custom lifetime. Tests use a
// negative duration to produce an already-expired token.
//
// Every token carries a random jti. Without it, two tokens issued to the
// same user within the same second would be byte-identical, and a rotated
// refresh token could not be told apart from the one it replaced.
func (s *TokenService) GenerateWithDuration(userID, email string, d time.Duration) (string, error) {
	now := time.Now()

	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        xid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
		UserID: userID,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - signature matches this service's secret
//   - algorithm is HS256 (blocks "alg":"none" and algorithm confusion)
//   - issuer is "user-api"
//   - exp is present and in the future
func (s *TokenService) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}
	if c.UserID == "" {
		return nil, fmt.Errorf("%w: token has no _id", ErrInvalidToken)
	}
	return c, nil
}
