// Package middleware provides Gin HTTP middleware for authentication, authorization,
// rate limiting, request metrics and security headers.
//
// Middleware ordering is enforced in router.go:
//
//	RequestID → Metrics → Logger → CORS → Security → Auth → RateLimit → RequireSysadmin → Handler
//
// Auth resolves the bearer token to a catalog user and stores a *dbquery.Identity
// in the context. Handlers read that identity with GetIdentity and pass it to the
// service explicitly.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dbquery/dbquery/internal/auth"
	"github.com/dbquery/dbquery/internal/db/models"
	"github.com/dbquery/dbquery/internal/dbquery"
)

const (
	// IdentityKey is the gin.Context key holding the caller's *dbquery.Identity
	IdentityKey = "identity"
	// UserIDKey is the gin.Context key holding the caller's user id
	UserIDKey = "user_id"
)

// UserLookup resolves a token subject to a catalog user. A nil user with a nil
// error means the account does not exist.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// AuthMiddleware validates the bearer JWT and loads the user it names. Missing,
// malformed or expired tokens and unknown or inactive users are rejected with 401.
func AuthMiddleware(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWithError(c, http.StatusUnauthorized, "unauthenticated", "Missing authorization header")
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			abortWithError(c, http.StatusUnauthorized, "unauthenticated", "Authorization header must start with 'Bearer '")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			abortWithError(c, http.StatusUnauthorized, "unauthenticated", "Authorization token is empty")
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "unauthenticated", "Invalid credentials")
			return
		}

		user, err := users.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			abortWithError(c, http.StatusInternalServerError, string(dbquery.KindStorage), "Failed to load user")
			return
		}
		// Deleted and pending accounts keep their tokens valid until expiry; refuse them here.
		if user == nil || !user.IsActive() {
			abortWithError(c, http.StatusUnauthorized, "unauthenticated", "Invalid credentials")
			return
		}

		c.Set(IdentityKey, &dbquery.Identity{
			UserID:      user.ID,
			Name:        user.Name,
			DisplayName: user.DisplayName(),
			Sysadmin:    user.Sysadmin,
		})
		c.Set(UserIDKey, user.ID)

		c.Next()
	}
}

// GetIdentity returns the identity set by AuthMiddleware, or nil for anonymous requests.
func GetIdentity(c *gin.Context) *dbquery.Identity {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*dbquery.Identity)
	return id
}

// abortWithError writes the console's error envelope and stops the chain.
func abortWithError(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"kind":    kind,
			"message": message,
		},
	})
}
