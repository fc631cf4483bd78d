// Package middleware provides Gin HTTP middleware for authentication, rate
// limiting, request correlation, security headers, and request metrics.
//
// Middleware ordering is set up in internal/api/router.go:
//
//	Recovery → RequestID → Logger → Metrics → Security → Auth → RateLimit → Handler
//
// Rate limiting runs after auth so authenticated callers are bucketed by user
// rather than by address.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/datashelf/gateway/internal/auth"
)

const (
	// UserIDKey holds the caller's uuid.UUID
	UserIDKey = "user_id"
	// EmailKey holds the email claim when the token carries one
	EmailKey = "email"
)

// TokenValidator verifies bearer tokens.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// AccountProvisioner creates the caller's account row on first contact.
type AccountProvisioner interface {
	EnsureAccount(ctx context.Context, ownerID uuid.UUID) error
}

// AuthMiddleware requires a valid bearer token and stores the caller's id
// under UserIDKey. accounts may be nil.
func AuthMiddleware(tokens TokenValidator, accounts AccountProvisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "Missing authorization header")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			unauthorized(c, "Authorization header must start with 'Bearer '")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			unauthorized(c, "Authorization token is empty")
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			unauthorized(c, "Invalid or expired token")
			return
		}
		ownerID, err := claims.Owner()
		if err != nil {
			unauthorized(c, "Token does not identify a user")
			return
		}

		if accounts != nil {
			if err := accounts.EnsureAccount(c.Request.Context(), ownerID); err != nil {
				RequestLogger(c).Error("failed to provision account", "user_id", ownerID, "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"kind":  "internal",
					"error": "internal error",
				})
				return
			}
		}

		c.Set(UserIDKey, ownerID)
		if claims.Email != "" {
			c.Set(EmailKey, claims.Email)
		}
		c.Next()
	}
}

// GetUserID returns the authenticated caller set by AuthMiddleware.
func GetUserID(c *gin.Context) (uuid.UUID, bool) {
	v, exists := c.Get(UserIDKey)
	if !exists {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok && id != uuid.Nil
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"kind":  "unauthorized",
		"error": msg,
	})
}
