package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints describing the caller's authentication.
type Handler struct{}

// NewHandler creates a new auth handler
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes sets up public auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "bearer_jwt",
		"header":    "Authorization: Bearer <token>",
		"algorithm": "HS256",
		"note":      "WebSocket clients may pass the token as ?access_token=.",
		"publicEndpoints": []string{
			"GET /health",
			"GET /metrics",
			"GET /v1/jobs",
		},
		"adminEndpoints": []string{
			"/v1/admin/contracts",
			"/v1/admin/disputes",
			"/v1/admin/escrow",
			"/v1/admin/sweeps",
		},
	})
}

// Me returns the authenticated user
func (h *Handler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"userId": UserID(c),
		"role":   c.GetString(ContextKeyRole),
	})
}
