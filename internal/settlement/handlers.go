package settlement

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/splitpay/internal/split"
)

// Ledger is the storage the operator API reads from.
type Ledger interface {
	Store
	BatchStore
	RefundStore
}

// Handler provides the operator HTTP API and the generic notification
// endpoints. All routes belong behind security.AdminMiddleware.
type Handler struct {
	ledger    Ledger
	ingestor  *Ingestor
	scheduler *Scheduler
}

// NewHandler creates a new settlement handler.
func NewHandler(ledger Ledger, ingestor *Ingestor, scheduler *Scheduler) *Handler {
	return &Handler{ledger: ledger, ingestor: ingestor, scheduler: scheduler}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/payment-succeeded", h.PaymentSucceeded)
	r.POST("/notifications/charge-refunded", h.ChargeRefunded)
	r.POST("/notifications/dispute-created", h.DisputeCreated)

	r.GET("/settlements", h.ListSettlements)
	r.GET("/settlements/stats", h.GetStats)
	r.GET("/settlements/:id", h.GetSettlement)
	r.GET("/settlements/by-charge/:chargeId", h.GetByCharge)
	r.GET("/settlements/parties/:id/summary", h.GetPartySummary)
	r.POST("/settlements/batches", h.RunBatch)
	r.GET("/settlements/batches", h.ListBatches)
	r.GET("/settlements/batches/:id", h.GetBatch)
	r.POST("/settlements/retry", h.RetryFailed)
}

// PaymentSucceeded handles POST /v1/admin/notifications/payment-succeeded
func (h *Handler) PaymentSucceeded(c *gin.Context) {
	var req PaymentSucceeded
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "eventId, chargeId, grossAmountMinor and currency are required",
		})
		return
	}

	s, err := h.ingestor.IngestPaymentSucceeded(c.Request.Context(), req)
	if errors.Is(err, ErrAlreadyProcessed) {
		c.JSON(http.StatusOK, gin.H{"settlement": s, "idempotent": true})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"settlement": s})
}

// ChargeRefunded handles POST /v1/admin/notifications/charge-refunded
func (h *Handler) ChargeRefunded(c *gin.Context) {
	var req ChargeRefunded
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "chargeId is required",
		})
		return
	}
	s, err := h.ingestor.MarkRefunded(c.Request.Context(), req)
	h.respondTransition(c, s, err)
}

// DisputeCreated handles POST /v1/admin/notifications/dispute-created
func (h *Handler) DisputeCreated(c *gin.Context) {
	var req DisputeCreated
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "chargeId is required",
		})
		return
	}
	s, err := h.ingestor.MarkDisputed(c.Request.Context(), req)
	h.respondTransition(c, s, err)
}

func (h *Handler) respondTransition(c *gin.Context, s *Settlement, err error) {
	if errors.Is(err, ErrAlreadyProcessed) {
		c.JSON(http.StatusOK, gin.H{"settlement": s, "idempotent": true})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": s})
}

// ListSettlements handles GET /v1/admin/settlements?status=failed
func (h *Handler) ListSettlements(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusFailed)))
	switch status {
	case StatusPending, StatusProcessing, StatusSettled, StatusFailed, StatusDisputed, StatusRefunded:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unknown status " + strconv.Quote(string(status)),
		})
		return
	}

	rows, err := h.ledger.ListByStatus(c.Request.Context(), status, queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": rows, "count": len(rows)})
}

// GetStats handles GET /v1/admin/settlements/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetSettlement handles GET /v1/admin/settlements/:id
func (h *Handler) GetSettlement(c *gin.Context) {
	s, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": s})
}

// GetByCharge handles GET /v1/admin/settlements/by-charge/:chargeId
func (h *Handler) GetByCharge(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.ledger.GetByChargeID(ctx, c.Param("chargeId"))
	if err != nil {
		respondError(c, err)
		return
	}
	refunds, err := h.ledger.ListRefunds(ctx, s.ChargeID)
	if err != nil {
		respondError(c, err)
		return
	}
	if refunds == nil {
		refunds = []*Refund{}
	}
	c.JSON(http.StatusOK, gin.H{"settlement": s, "refunds": refunds})
}

// GetPartySummary handles GET /v1/admin/settlements/parties/:id/summary
func (h *Handler) GetPartySummary(c *gin.Context) {
	summary, err := h.ledger.PartySummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// RunBatchRequest optionally overrides the maturity window of a manual run.
type RunBatchRequest struct {
	MaturityHours *int `json:"maturityHours,omitempty"`
}

// RunBatch handles POST /v1/admin/settlements/batches
func (h *Handler) RunBatch(c *gin.Context) {
	var req RunBatchRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	maturity := h.scheduler.Maturity()
	if req.MaturityHours != nil {
		if *req.MaturityHours < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "maturityHours must not be negative",
			})
			return
		}
		maturity = time.Duration(*req.MaturityHours) * time.Hour
	}

	report, err := h.scheduler.RunBatchWithMaturity(c.Request.Context(), time.Now(), maturity, KindManual)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// RetryFailed handles POST /v1/admin/settlements/retry
func (h *Handler) RetryFailed(c *gin.Context) {
	report, err := h.scheduler.RetryFailed(c.Request.Context(), time.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// ListBatches handles GET /v1/admin/settlements/batches
func (h *Handler) ListBatches(c *gin.Context) {
	reports, err := h.ledger.ListReports(c.Request.Context(), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": reports, "count": len(reports)})
}

// GetBatch handles GET /v1/admin/settlements/batches/:id
func (h *Handler) GetBatch(c *gin.Context) {
	report, err := h.ledger.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	return limit
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrSettlementNotFound), errors.Is(err, ErrBatchNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidNotification):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrStatusConflict):
		status, code = http.StatusConflict, "status_conflict"
	case errors.Is(err, ErrBatchInProgress):
		status, code = http.StatusConflict, "batch_in_progress"
	case errors.Is(err, split.ErrInvariantViolation):
		code = "invariant_violation"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
