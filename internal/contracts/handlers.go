package contracts

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/mbd888/taskhold/internal/quota"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler provides HTTP endpoints for contract operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new contract handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterProtectedRoutes sets up auth-required contract routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.CreateContract)
	r.GET("/contracts", h.ListMyContracts)
	r.GET("/contracts/:id", h.GetContract)
	r.POST("/contracts/:id/accept", h.AcceptTerms)
	r.POST("/contracts/:id/reject", h.RejectContract)
	r.POST("/contracts/:id/start", h.StartContract)
	r.PUT("/contracts/:id/deliveries/:index", h.UpdateDelivery)
	r.POST("/contracts/:id/confirm", h.ConfirmCompletion)
	r.POST("/contracts/:id/cancel", h.CancelContract)
}

// RegisterAdminRoutes sets up admin-only contract routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/contracts", h.ListByStatus)
	r.GET("/contracts/:id", h.AdminGetContract)
}

// UpdateDeliveryRequest is the body of PUT /v1/contracts/:id/deliveries/:index.
type UpdateDeliveryRequest struct {
	Status DeliveryStatus `json:"status" validate:"required,oneof=pending in_progress completed"`
}

// CancelRequest is the body of POST /v1/contracts/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// CreateContract handles POST /v1/contracts. The caller is the client.
func (h *Handler) CreateContract(c *gin.Context) {
	var req CreateRequest
	if !bindAndValidate(c, &req) {
		return
	}
	req.ClientID = c.GetString("authUserID")

	res, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetContract handles GET /v1/contracts/:id. Only the parties may read it.
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	if !contract.IsParty(c.GetString("authUserID")) {
		WriteError(c, ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// AdminGetContract handles GET /v1/admin/contracts/:id
func (h *Handler) AdminGetContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// ListMyContracts handles GET /v1/contracts?status=&limit=
func (h *Handler) ListMyContracts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.service.ListByParty(c.Request.Context(), c.GetString("authUserID"), Status(c.Query("status")), limit)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contracts": list, "count": len(list)})
}

// ListByStatus handles GET /v1/admin/contracts?status=
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.Query("status"))
	if status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "status is required"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contracts": list, "count": len(list)})
}

// AcceptTerms handles POST /v1/contracts/:id/accept
func (h *Handler) AcceptTerms(c *gin.Context) {
	h.respond(c)(h.service.AcceptTerms(c.Request.Context(), c.Param("id"), c.GetString("authUserID")))
}

// RejectContract handles POST /v1/contracts/:id/reject
func (h *Handler) RejectContract(c *gin.Context) {
	h.respond(c)(h.service.Reject(c.Request.Context(), c.Param("id"), c.GetString("authUserID")))
}

// StartContract handles POST /v1/contracts/:id/start
func (h *Handler) StartContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	if !contract.IsParty(c.GetString("authUserID")) {
		WriteError(c, ErrUnauthorized)
		return
	}
	h.respond(c)(h.service.Start(c.Request.Context(), contract.ID))
}

// UpdateDelivery handles PUT /v1/contracts/:id/deliveries/:index
func (h *Handler) UpdateDelivery(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "index must be an integer"})
		return
	}
	var req UpdateDeliveryRequest
	if !bindAndValidate(c, &req) {
		return
	}
	h.respond(c)(h.service.UpdateDelivery(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), index, req.Status))
}

// ConfirmCompletion handles POST /v1/contracts/:id/confirm
func (h *Handler) ConfirmCompletion(c *gin.Context) {
	h.respond(c)(h.service.ConfirmCompletion(c.Request.Context(), c.Param("id"), c.GetString("authUserID")))
}

// CancelContract handles POST /v1/contracts/:id/cancel
func (h *Handler) CancelContract(c *gin.Context) {
	var req CancelRequest
	if !bindAndValidate(c, &req) {
		return
	}
	h.respond(c)(h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason))
}

func (h *Handler) respond(c *gin.Context) func(*Result, error) {
	return func(res *Result, err error) {
		if err != nil {
			WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
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

// WriteError maps service errors to HTTP responses. Other packages that
// drive contracts reuse it for the errors they pass through.
func WriteError(c *gin.Context, err error) {
	var (
		verr  *ValidationError
		cerr  *ConflictError
		gwErr *GatewayError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verr.Error(), "details": []string{verr.Field}})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrContractNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.As(err, &cerr):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": cerr.Error()})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error(), "details": []string{"retryable"}})
	case errors.Is(err, quota.ErrLimitReached):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "quota_exceeded", "message": err.Error()})
	case errors.As(err, &gwErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment_gateway_error", "message": "Payment provider unavailable, retry later", "details": []string{"retryable"}})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
