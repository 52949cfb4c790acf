package scheduler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the scheduler to admins.
type Handler struct {
	scheduler *Scheduler
}

// NewHandler creates a new scheduler handler.
func NewHandler(s *Scheduler) *Handler {
	return &Handler{scheduler: s}
}

// RegisterAdminRoutes sets up admin-only sweep routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/sweeps", h.ListRuns)
	r.POST("/sweeps/:task/run", h.RunTask)
}

// ListRuns handles GET /v1/admin/sweeps
func (h *Handler) ListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running": h.scheduler.Running(),
		"tasks":   h.scheduler.Tasks(),
		"runs":    h.scheduler.LastRuns(),
	})
}

// RunTask handles POST /v1/admin/sweeps/:task/run
func (h *Handler) RunTask(c *gin.Context) {
	name := c.Param("task")
	rep, err := h.scheduler.RunOnce(c.Request.Context(), name)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"task": name, "report": rep})
	case errors.Is(err, ErrUnknownTask):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrTaskRunning), errors.Is(err, ErrLeaseHeld):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task_failed", "message": err.Error(), "report": rep})
	}
}
