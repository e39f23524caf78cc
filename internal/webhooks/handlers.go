package webhooks

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/splitpay/internal/events"
	"github.com/mbd888/splitpay/internal/idgen"
	"github.com/mbd888/splitpay/internal/logging"
	"github.com/mbd888/splitpay/internal/security"
)

// PrefixSubscription prefixes subscription IDs.
const PrefixSubscription = "wh_"

// Handler provides HTTP endpoints for managing a party's subscriptions.
type Handler struct {
	store Store
	now   func() time.Time
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterRoutes sets up subscription routes. The group must carry
// security.ActorMiddleware; every route acts on the caller's own
// subscriptions.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions", h.CreateSubscription)
	r.GET("/subscriptions", h.ListSubscriptions)
	r.DELETE("/subscriptions/:id", h.DeleteSubscription)
}

// CreateSubscriptionRequest is the body of POST /v1/subscriptions.
type CreateSubscriptionRequest struct {
	URL    string        `json:"url" binding:"required"`
	Events []events.Type `json:"events" binding:"required"`
}

func (r CreateSubscriptionRequest) validate() error {
	if err := ValidateURL(r.URL); err != nil {
		return err
	}
	if len(r.Events) == 0 {
		return fmt.Errorf("%w: at least one event type is required", ErrInvalidSubscription)
	}
	for _, t := range r.Events {
		if !slices.Contains(Subscribable, t) {
			return fmt.Errorf("%w: unknown event type %q", ErrInvalidSubscription, t)
		}
	}
	return nil
}

// CreateSubscription handles POST /v1/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := req.validate(); err != nil {
		respondError(c, err)
		return
	}

	types := slices.Clone(req.Events)
	slices.Sort(types)
	sub := &Subscription{
		ID:        idgen.WithPrefix(PrefixSubscription),
		PartyID:   security.Actor(c),
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    slices.Compact(types),
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		logging.L(c.Request.Context()).Error("failed to create webhook subscription", "error", err)
		respondError(c, err)
		return
	}

	// The secret is only ever shown here.
	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       sub.Secret,
		"signature": gin.H{
			"header":    HeaderSignature,
			"timestamp": HeaderTimestamp,
			"algorithm": "hex(hmac_sha256(secret, timestamp + \".\" + body))",
		},
	})
}

// ListSubscriptions handles GET /v1/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.ListByParty(c.Request.Context(), security.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// DeleteSubscription handles DELETE /v1/subscriptions/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	// Someone else's subscription looks exactly like a missing one.
	if sub.PartyID != security.Actor(c) {
		respondError(c, ErrSubscriptionNotFound)
		return
	}
	if err := h.store.Delete(ctx, sub.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook subscription not found"})
	case errors.Is(err, ErrInvalidSubscription):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
