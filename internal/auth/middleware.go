package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/taskhold/internal/logging"
)

const (
	// ContextKeyUserID is the key for the authenticated user ID in gin context
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the key for the authenticated role
	ContextKeyRole = "authRole"
)

// Middleware extracts and validates the bearer token.
// Sets authUserID and authRole in context if valid; never rejects.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			raw = c.Query("access_token") // browsers cannot set headers on WebSocket upgrades
		}

		if raw != "" {
			claims, err := m.ValidateToken(raw)
			if err == nil {
				c.Set(ContextKeyUserID, claims.UserID())
				c.Set(ContextKeyRole, claims.Role)
				ctx := logging.WithLogger(c.Request.Context(), logging.FromContext(c.Request.Context()).With("user_id", claims.UserID()))
				c.Request = c.Request.WithContext(ctx)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid token
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin middleware requires auth AND the admin role
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if c.GetString(ContextKeyRole) != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": ErrNotAdmin.Error(),
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user ID, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAdmin reports whether the request carries an admin token.
func IsAdmin(c *gin.Context) bool {
	return c.GetString(ContextKeyRole) == RoleAdmin
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
