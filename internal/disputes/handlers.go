package disputes

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/mbd888/taskhold/internal/contracts"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterProtectedRoutes sets up the routes parties use.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/contracts/:id/dispute", h.GetContractDispute)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/messages", h.AddMessage)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListByStatus)
	r.GET("/disputes/:id", h.AdminGetDispute)
	r.POST("/disputes/:id/assign", h.Assign)
	r.POST("/disputes/:id/resolve", h.Resolve)
	r.POST("/disputes/:id/evidence", h.AdminAddEvidence)
	r.POST("/disputes/:id/messages", h.AdminAddMessage)
}

// MessageRequest is the body of POST /v1/disputes/:id/messages.
type MessageRequest struct {
	Body string `json:"body" validate:"required,max=5000"`
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if !bindAndValidate(c, &req) {
		return
	}
	req.InitiatorID = c.GetString("authUserID")

	res, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetDispute handles GET /v1/disputes/:id. Only the parties may read it.
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !d.IsParty(c.GetString("authUserID")) {
		writeError(c, ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// GetContractDispute handles GET /v1/contracts/:id/dispute
func (h *Handler) GetContractDispute(c *gin.Context) {
	d, err := h.service.GetByContract(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !d.IsParty(c.GetString("authUserID")) {
		writeError(c, ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AdminGetDispute handles GET /v1/admin/disputes/:id
func (h *Handler) AdminGetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByStatus handles GET /v1/admin/disputes?status=
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusOpen)))
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	h.addEvidence(c, Author{ID: c.GetString("authUserID")})
}

// AdminAddEvidence handles POST /v1/admin/disputes/:id/evidence
func (h *Handler) AdminAddEvidence(c *gin.Context) {
	h.addEvidence(c, Author{ID: c.GetString("authUserID"), IsAdmin: true})
}

func (h *Handler) addEvidence(c *gin.Context, author Author) {
	var req EvidenceInput
	if !bindAndValidate(c, &req) {
		return
	}
	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), author, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// AddMessage handles POST /v1/disputes/:id/messages
func (h *Handler) AddMessage(c *gin.Context) {
	h.addMessage(c, Author{ID: c.GetString("authUserID")})
}

// AdminAddMessage handles POST /v1/admin/disputes/:id/messages
func (h *Handler) AdminAddMessage(c *gin.Context) {
	h.addMessage(c, Author{ID: c.GetString("authUserID"), IsAdmin: true})
}

func (h *Handler) addMessage(c *gin.Context, author Author) {
	var req MessageRequest
	if !bindAndValidate(c, &req) {
		return
	}
	msg, err := h.service.AddMessage(c.Request.Context(), c.Param("id"), author, req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// Assign handles POST /v1/admin/disputes/:id/assign
func (h *Handler) Assign(c *gin.Context) {
	res, err := h.service.Assign(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if !bindAndValidate(c, &req) {
		return
	}
	res, err := h.service.Resolve(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
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
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrDisputeExists), errors.Is(err, ErrDisputeClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error(), "details": []string{"retryable"}})
	default:
		contracts.WriteError(c, err)
	}
}
