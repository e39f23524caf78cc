package notary

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for audit proofs.
type Handler struct {
	service *Service
}

// NewHandler creates a new proof handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only proof routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/proofs/:id", h.GetProof)
	r.GET("/proofs/:id/verify", h.VerifyProof)
}

// GetProof handles GET /v1/proofs/:id
func (h *Handler) GetProof(c *gin.Context) {
	proof, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proof": proof})
}

// VerifyProof handles GET /v1/proofs/:id/verify
func (h *Handler) VerifyProof(c *gin.Context) {
	v, err := h.service.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": v})
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, ErrProofNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Proof not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
