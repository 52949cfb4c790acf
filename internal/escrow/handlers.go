package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the ledger history for support staff.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new escrow handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterAdminRoutes sets up admin-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:contractId/entries", h.ListEntries)
}

// ListEntries handles GET /v1/admin/escrow/:contractId/entries
func (h *Handler) ListEntries(c *gin.Context) {
	contractID := c.Param("contractId")
	entries, err := h.ledger.Entries(c.Request.Context(), contractID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list escrow entries",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"contractId": contractID,
		"entries":    entries,
		"count":      len(entries),
	})
}
