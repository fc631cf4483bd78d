// Package auth - jwt.go signs and verifies the bearer tokens that identify the
// calling user. The gateway trusts the user_id claim of a token signed with the
// shared secret; issuing tokens is normally the job of an upstream identity
// service, Generate exists for tooling and tests.
package auth

import (
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// minSecretLength is the recommended HMAC secret length
const minSecretLength = 32

var (
	// ErrNoSecret is returned when the signing secret is empty
	ErrNoSecret = errors.New("JWT secret is required")
	// ErrInvalidToken is returned for tokens that fail verification
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidSubject is returned when user_id is missing or not a UUID
	ErrInvalidSubject = errors.New("token does not carry a valid user id")
)

// Claims represents the JWT claims structure
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Owner returns the user id as a UUID.
func (c *Claims) Owner() (uuid.UUID, error) {
	id, err := uuid.Parse(c.UserID)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, ErrInvalidSubject
	}
	return id, nil
}

// TokenService signs and verifies HS256 tokens with one secret.
type TokenService struct {
	secret []byte
	issuer string
}

// NewTokenService creates a TokenService. Secrets shorter than 32 characters
// are accepted with a warning.
func NewTokenService(secret, issuer string) (*TokenService, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if len(secret) < minSecretLength {
		slog.Warn("JWT_SECRET is shorter than the recommended 32 characters")
	}
	return &TokenService{secret: []byte(secret), issuer: issuer}, nil
}

// Generate creates a token for userID
func (s *TokenService) Generate(userID, email string, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = 1 * time.Hour
	}

	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and verifies a token. When the service has an issuer the
// token must carry the same one.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}
