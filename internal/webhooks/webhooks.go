// Package webhooks delivers domain events to the parties they concern.
//
// A merchant or agent registers a URL and the event types it wants. The
// Dispatcher is an events.Publisher: every settlement or escrow event whose
// payload names a subscribed party is POSTed to that party's URL, signed with
// the subscription secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/splitpay/internal/events"
	"github.com/mbd888/splitpay/internal/logging"
	"github.com/mbd888/splitpay/internal/retry"
)

var (
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
	ErrInvalidSubscription  = errors.New("invalid webhook subscription")
)

// Delivery headers.
const (
	HeaderEvent     = "X-Splitpay-Event"
	HeaderDelivery  = "X-Splitpay-Delivery"
	HeaderTimestamp = "X-Splitpay-Timestamp"
	HeaderSignature = "X-Splitpay-Signature"
)

// DisableAfter is how many consecutive failed deliveries deactivate a
// subscription.
const DisableAfter = 10

// Subscribable lists the event types a party may subscribe to.
var Subscribable = []events.Type{
	events.SettlementRecorded,
	events.SettlementSettled,
	events.SettlementFailed,
	events.SettlementRefunded,
	events.SettlementDisputed,
	events.EscrowFunded,
	events.EscrowReleased,
	events.EscrowDisputed,
	events.EscrowRefunded,
}

// Subscription is one party's webhook endpoint.
type Subscription struct {
	ID                  string        `json:"id"`
	PartyID             string        `json:"partyId"`
	URL                 string        `json:"url"`
	Secret              string        `json:"-"`
	Events              []events.Type `json:"events"`
	Active              bool          `json:"active"`
	CreatedAt           time.Time     `json:"createdAt"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of type t.
func (s *Subscription) Wants(t events.Type) bool {
	return s.Active && slices.Contains(s.Events, t)
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByParty(ctx context.Context, partyID string) ([]*Subscription, error)
	// ListActiveForParties returns active subscriptions of any of partyIDs.
	ListActiveForParties(ctx context.Context, partyIDs []string) ([]*Subscription, error)
	// RecordDelivery stores one delivery outcome atomically. An empty
	// failure is a success and resets the failure count; otherwise the count
	// is incremented and the subscription deactivated once it reaches
	// disableAfter.
	RecordDelivery(ctx context.Context, id, failure string, at time.Time, disableAfter int) error
	Delete(ctx context.Context, id string) error
}

// PartyScoped is implemented by event payloads that concern named parties.
type PartyScoped interface {
	PartyIDs() []string
}

// Payload is the body POSTed to a subscriber.
type Payload struct {
	ID         string      `json:"id"`
	Type       events.Type `json:"type"`
	PartyID    string      `json:"partyId"`
	Subject    string      `json:"subject"`
	OccurredAt time.Time   `json:"occurredAt"`
	Data       any         `json:"data"`
}

var deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "splitpay",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Outbound webhook deliveries by event type and outcome.",
}, []string{"type", "outcome"})

func init() {
	prometheus.MustRegister(deliveries)
}

// Dispatcher fans events out to subscribed parties. Deliveries run in the
// background; Wait blocks until in-flight deliveries finish.
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	attempts     int
	baseDelay    time.Duration
	now          func() time.Time
	urlValidator func(string) error
	wg           sync.WaitGroup
}

// NewDispatcher creates a dispatcher over store.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logging.Component(logger, "webhooks"),
		attempts:     3,
		baseDelay:    time.Second,
		now:          time.Now,
		urlValidator: ValidateURL,
	}
}

// WithClient replaces the HTTP client.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithRetry sets delivery attempts and the base backoff delay.
func (d *Dispatcher) WithRetry(attempts int, baseDelay time.Duration) *Dispatcher {
	if attempts > 0 {
		d.attempts = attempts
	}
	d.baseDelay = baseDelay
	return d
}

// Publish implements events.Publisher. It only looks up subscribers; the
// HTTP deliveries happen after it returns.
func (d *Dispatcher) Publish(ctx context.Context, e events.Event) error {
	scoped, ok := e.Data.(PartyScoped)
	if !ok {
		return nil
	}
	parties := scoped.PartyIDs()
	if len(parties) == 0 {
		return nil
	}

	subs, err := d.store.ListActiveForParties(ctx, parties)
	if err != nil {
		return fmt.Errorf("webhooks: list subscribers: %w", err)
	}
	for _, sub := range subs {
		if !sub.Wants(e.Type) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(context.WithoutCancel(ctx), sub, e)
		}()
	}
	return nil
}

// Wait blocks until every started delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, e events.Event) {
	body, err := json.Marshal(Payload{
		ID:         e.ID,
		Type:       e.Type,
		PartyID:    sub.PartyID,
		Subject:    e.Subject,
		OccurredAt: e.OccurredAt,
		Data:       e.Data,
	})
	if err != nil {
		d.record(ctx, sub, e.Type, fmt.Errorf("marshal payload: %w", err))
		return
	}

	err = retry.Do(ctx, d.attempts, d.baseDelay, func() error {
		return d.post(ctx, sub, e, body)
	})
	d.record(ctx, sub, e.Type, err)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, e events.Event, body []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}

	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(e.Type))
	req.Header.Set(HeaderDelivery, e.ID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// record stores the delivery outcome.
func (d *Dispatcher) record(ctx context.Context, sub *Subscription, typ events.Type, deliveryErr error) {
	failure := ""
	if deliveryErr == nil {
		deliveries.WithLabelValues(string(typ), "delivered").Inc()
	} else {
		failure = deliveryErr.Error()
		deliveries.WithLabelValues(string(typ), "failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"subscription", sub.ID, "partyId", sub.PartyID, "type", typ, "error", deliveryErr)
	}

	err := d.store.RecordDelivery(ctx, sub.ID, failure, d.now().UTC(), DisableAfter)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		d.logger.Error("failed to record webhook delivery", "subscription", sub.ID, "error", err)
	}
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body" under secret.
// Receivers recompute it to authenticate a delivery.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateURL accepts absolute http(s) URLs whose host is not a loopback,
// private or link-local address literal.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: url must be absolute", ErrInvalidSubscription)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: url scheme must be http or https", ErrInvalidSubscription)
	}
	host := u.Hostname()
	if host == "localhost" {
		return fmt.Errorf("%w: url host is not routable", ErrInvalidSubscription)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
			return fmt.Errorf("%w: url host is not routable", ErrInvalidSubscription)
		}
	}
	return nil
}

var _ events.Publisher = (*Dispatcher)(nil)
