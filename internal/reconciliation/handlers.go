package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes on-demand reconciliation to operators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a new reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterRoutes sets up the route. The group must carry
// security.AdminMiddleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/run", h.Run)
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": report})
}
