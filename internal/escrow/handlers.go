package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/splitpay/internal/security"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up caller-facing escrow routes. The group must carry
// security.ActorMiddleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/by-payment/:paymentId", h.GetEscrowByPayment)
	r.GET("/parties/:id/escrows", h.ListEscrows)
	r.POST("/escrows/:id/confirm", h.ConfirmDelivery)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
}

// RegisterAdminRoutes sets up operator routes. The group must carry
// security.AdminMiddleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/verify-release", h.VerifyRelease)
	r.POST("/escrows/:id/auto-settle", h.AutoSettle)
	r.POST("/escrows/sweep", h.Sweep)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// The caller is the buyer.
	req.BuyerID = security.Actor(c)

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// GetEscrowByPayment handles GET /v1/escrows/by-payment/:paymentId
func (h *Handler) GetEscrowByPayment(c *gin.Context) {
	escrow, err := h.service.GetByPaymentID(c.Request.Context(), c.Param("paymentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/parties/:id/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	escrows, err := h.service.ListByParty(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ConfirmDelivery handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	escrow, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), security.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A dispute reason is required",
		})
		return
	}

	escrow, err := h.service.Dispute(c.Request.Context(), c.Param("id"), security.Actor(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req RefundRequest
	_ = c.ShouldBindJSON(&req) // reason is optional

	escrow, err := h.service.Refund(c.Request.Context(), c.Param("id"), security.Actor(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// FundEscrow handles POST /v1/admin/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txRef is required",
		})
		return
	}

	escrow, err := h.service.Fund(c.Request.Context(), c.Param("id"), req.TxRef)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// VerifyRelease handles POST /v1/admin/escrows/:id/verify-release
func (h *Handler) VerifyRelease(c *gin.Context) {
	escrow, err := h.service.VerifyRelease(c.Request.Context(), c.Param("id"), security.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// AutoSettle handles POST /v1/admin/escrows/:id/auto-settle
func (h *Handler) AutoSettle(c *gin.Context) {
	escrow, err := h.service.AutoSettleByOrderType(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Sweep handles POST /v1/admin/escrows/sweep
func (h *Handler) Sweep(c *gin.Context) {
	result, err := h.service.SweepAutoRelease(c.Request.Context(), time.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": result})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrStatusConflict):
		status, code = http.StatusConflict, "status_conflict"
	case errors.Is(err, ErrDuplicatePayment):
		status, code = http.StatusConflict, "duplicate_payment"
	case errors.Is(err, ErrNotDue), errors.Is(err, ErrNotAutoSettleable), errors.Is(err, ErrNotRefundable):
		status, code = http.StatusConflict, "not_permitted"
	case errors.Is(err, ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
