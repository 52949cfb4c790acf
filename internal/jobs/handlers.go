package jobs

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/mbd888/taskhold/internal/idgen"
	"github.com/mbd888/taskhold/internal/money"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	Title         string       `json:"title" validate:"required,max=200"`
	Budget        money.Amount `json:"budget" validate:"gt=0"`
	CommissionBps int64        `json:"commissionBps" validate:"gte=0,lte=10000"`
	StartDate     time.Time    `json:"startDate" validate:"required"`
	EndDate       *time.Time   `json:"endDate,omitempty"`
	DeliveryCount int          `json:"deliveryCount" validate:"gte=0,lte=100"`
}

// ProposeRequest is the body of POST /v1/jobs/:id/proposals.
type ProposeRequest struct {
	Price money.Amount `json:"price" validate:"gt=0"`
}

// Handler exposes the catalog over HTTP.
type Handler struct {
	catalog Catalog
	now     func() time.Time
}

// NewHandler creates a new jobs handler.
func NewHandler(catalog Catalog) *Handler {
	return &Handler{catalog: catalog, now: time.Now}
}

// RegisterRoutes sets up public (read-only) job routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs/:id", h.GetJob)
}

// RegisterProtectedRoutes sets up auth-required job routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/jobs", h.CreateJob)
	r.POST("/jobs/:id/proposals", h.Propose)
	r.GET("/jobs/:id/proposals", h.ListProposals)
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if !bindAndValidate(c, &req) {
		return
	}

	now := h.now()
	job := &Job{
		ID:            idgen.WithPrefix(idgen.PrefixJob),
		ClientID:      c.GetString("authUserID"),
		Title:         req.Title,
		Budget:        req.Budget,
		CommissionBps: req.CommissionBps,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		DeliveryCount: req.DeliveryCount,
		Status:        StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := job.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	if err := h.catalog.Create(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create job"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job})
}

// GetJob handles GET /v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.catalog.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// Propose handles POST /v1/jobs/:id/proposals
func (h *Handler) Propose(c *gin.Context) {
	var req ProposeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	p := &Proposal{
		ID:          idgen.WithPrefix(idgen.PrefixProposal),
		JobID:       c.Param("id"),
		DoerID:      c.GetString("authUserID"),
		Price:       req.Price,
		Status:      ProposalSubmitted,
		SubmittedAt: h.now(),
	}
	if err := h.catalog.AddProposal(c.Request.Context(), p); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": p})
}

// ListProposals handles GET /v1/jobs/:id/proposals. Only the job owner may list.
func (h *Handler) ListProposals(c *gin.Context) {
	job, err := h.catalog.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if job.ClientID != c.GetString("authUserID") {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the job owner can list proposals"})
		return
	}
	proposals, err := h.catalog.Proposals(c.Request.Context(), job.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals, "count": len(proposals)})
}

func bindAndValidate(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return false
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		details := []string{}
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, fe.Field()+" failed "+fe.Tag())
			}
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Request validation failed", "details": details})
		return false
	}
	return true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrJobNotOpen), errors.Is(err, ErrDuplicateWorker):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
