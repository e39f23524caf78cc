package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/splitpay/internal/events"
	"github.com/mbd888/splitpay/internal/security"
)

type partyPayload struct {
	Parties []string `json:"parties"`
}

func (p partyPayload) PartyIDs() []string { return p.Parties }

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type received struct {
	headers http.Header
	body    []byte
}

// receiver records deliveries and answers with the next queued status (200
// once the queue is empty).
type receiver struct {
	mu       sync.Mutex
	got      []received
	statuses []int
	srv      *httptest.Server
}

func newReceiver(t *testing.T, statuses ...int) *receiver {
	t.Helper()
	rc := &receiver{statuses: statuses}
	rc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.got = append(rc.got, received{headers: r.Header.Clone(), body: body})
		status := http.StatusOK
		if len(rc.statuses) > 0 {
			status, rc.statuses = rc.statuses[0], rc.statuses[1:]
		}
		rc.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(rc.srv.Close)
	return rc
}

func (rc *receiver) deliveries() []received {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]received(nil), rc.got...)
}

func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, nil).WithRetry(3, 0)
	d.now = func() time.Time { return fixedNow }
	d.urlValidator = func(string) error { return nil }
	return d
}

func subscribe(t *testing.T, store Store, id, party, url string, types ...events.Type) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:        id,
		PartyID:   party,
		URL:       url,
		Secret:    "secret_" + id,
		Events:    types,
		Active:    true,
		CreatedAt: fixedNow,
	}))
}

func event(typ events.Type, parties ...string) events.Event {
	return events.Event{
		ID:         "evt_" + string(typ),
		Type:       typ,
		Subject:    "stl_1",
		OccurredAt: fixedNow,
		Data:       partyPayload{Parties: parties},
	}
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	store := NewMemoryStore()
	rc := newReceiver(t)
	subscribe(t, store, "wh_1", "merchant_1", rc.srv.URL, events.SettlementSettled)

	d := newTestDispatcher(store)
	require.NoError(t, d.Publish(context.Background(), event(events.SettlementSettled, "merchant_1", "agent_1")))
	d.Wait()

	got := rc.deliveries()
	require.Len(t, got, 1)
	h := got[0].headers
	assert.Equal(t, string(events.SettlementSettled), h.Get(HeaderEvent))
	assert.Equal(t, "evt_settlement.settled", h.Get(HeaderDelivery))
	ts := h.Get(HeaderTimestamp)
	assert.Equal(t, "1772366400", ts)
	assert.Equal(t, Sign("secret_wh_1", ts, got[0].body), h.Get(HeaderSignature))

	var payload Payload
	require.NoError(t, json.Unmarshal(got[0].body, &payload))
	assert.Equal(t, "merchant_1", payload.PartyID)
	assert.Equal(t, "stl_1", payload.Subject)

	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	require.NotNil(t, sub.LastSuccess)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatcher_FiltersByPartyAndType(t *testing.T) {
	store := NewMemoryStore()
	rc := newReceiver(t)
	subscribe(t, store, "wh_other_party", "merchant_2", rc.srv.URL, events.SettlementSettled)
	subscribe(t, store, "wh_other_type", "merchant_1", rc.srv.URL, events.EscrowReleased)

	d := newTestDispatcher(store)
	require.NoError(t, d.Publish(context.Background(), event(events.SettlementSettled, "merchant_1")))
	// Payloads that name no parties are ignored.
	require.NoError(t, d.Publish(context.Background(), events.Event{Type: events.SettlementSettled, Data: "opaque"}))
	d.Wait()

	assert.Empty(t, rc.deliveries())
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	store := NewMemoryStore()
	rc := newReceiver(t, http.StatusInternalServerError, http.StatusServiceUnavailable)
	subscribe(t, store, "wh_1", "merchant_1", rc.srv.URL, events.SettlementFailed)

	d := newTestDispatcher(store)
	require.NoError(t, d.Publish(context.Background(), event(events.SettlementFailed, "merchant_1")))
	d.Wait()

	assert.Len(t, rc.deliveries(), 3)
	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Zero(t, sub.ConsecutiveFailures)
	assert.Empty(t, sub.LastError)
}

func TestDispatcher_ClientErrorIsPermanent(t *testing.T) {
	store := NewMemoryStore()
	rc := newReceiver(t, http.StatusGone)
	subscribe(t, store, "wh_1", "merchant_1", rc.srv.URL, events.SettlementFailed)

	d := newTestDispatcher(store)
	require.NoError(t, d.Publish(context.Background(), event(events.SettlementFailed, "merchant_1")))
	d.Wait()

	assert.Len(t, rc.deliveries(), 1)
	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.Contains(t, sub.LastError, "status 410")
	assert.True(t, sub.Active)
}

func TestDispatcher_DisablesAfterRepeatedFailures(t *testing.T) {
	store := NewMemoryStore()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	subscribe(t, store, "wh_1", "merchant_1", srv.URL, events.SettlementFailed)

	d := newTestDispatcher(store)
	for range DisableAfter + 2 {
		require.NoError(t, d.Publish(context.Background(), event(events.SettlementFailed, "merchant_1")))
		d.Wait()
	}

	assert.Equal(t, int32(DisableAfter), hits.Load(), "no deliveries once disabled")
	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.False(t, sub.Active)
	assert.Equal(t, DisableAfter, sub.ConsecutiveFailures)
}

func TestDispatcher_RejectsUnroutableURL(t *testing.T) {
	store := NewMemoryStore()
	rc := newReceiver(t)
	subscribe(t, store, "wh_1", "merchant_1", rc.srv.URL, events.SettlementSettled)

	// The production validator refuses the loopback test server.
	d := NewDispatcher(store, nil).WithRetry(3, 0)
	require.NoError(t, d.Publish(context.Background(), event(events.SettlementSettled, "merchant_1")))
	d.Wait()

	assert.Empty(t, rc.deliveries())
	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.ConsecutiveFailures)
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://hooks.example.com/splitpay", true},
		{"http://93.184.216.34/hook", true},
		{"ftp://example.com/hook", false},
		{"/relative/path", false},
		{"http://localhost:8080/hook", false},
		{"http://127.0.0.1/hook", false},
		{"http://10.1.2.3/hook", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://[::1]/hook", false},
		{"http://0.0.0.0/hook", false},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if tt.ok {
			assert.NoError(t, err, tt.url)
		} else {
			assert.ErrorIs(t, err, ErrInvalidSubscription, tt.url)
		}
	}
}

func TestMemoryStore_ListActiveForParties(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	subscribe(t, store, "wh_a", "merchant_1", "https://a.example.com", events.SettlementSettled)
	subscribe(t, store, "wh_b", "agent_1", "https://b.example.com", events.SettlementSettled)
	subscribe(t, store, "wh_c", "merchant_9", "https://c.example.com", events.SettlementSettled)
	require.NoError(t, store.RecordDelivery(ctx, "wh_b", "boom", fixedNow, 1))

	subs, err := store.ListActiveForParties(ctx, []string{"merchant_1", "agent_1"})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "wh_a", subs[0].ID)

	assert.ErrorIs(t, store.RecordDelivery(ctx, "wh_missing", "", fixedNow, 1), ErrSubscriptionNotFound)
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func setupRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	r := gin.New()
	g := r.Group("/v1")
	g.Use(security.ActorMiddleware())
	NewHandler(store).RegisterRoutes(g)
	return r, store
}

func doJSON(r *gin.Engine, method, path, actor string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(security.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListDelete(t *testing.T) {
	r, store := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/subscriptions", "merchant_1", gin.H{
		"url":    "https://hooks.example.com/splitpay",
		"events": []string{"settlement.settled", "escrow.released", "settlement.settled"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Subscription Subscription `json:"subscription"`
		Secret       string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.Equal(t, "merchant_1", created.Subscription.PartyID)
	assert.Equal(t, []events.Type{events.EscrowReleased, events.SettlementSettled}, created.Subscription.Events)

	stored, err := store.Get(context.Background(), created.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Secret, stored.Secret)

	w = doJSON(r, http.MethodGet, "/v1/subscriptions", "merchant_1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.NotContains(t, w.Body.String(), created.Secret, "secret is not listed")

	w = doJSON(r, http.MethodGet, "/v1/subscriptions", "merchant_2", nil)
	assert.Contains(t, w.Body.String(), `"count":0`)

	// Only the owner can delete.
	w = doJSON(r, http.MethodDelete, "/v1/subscriptions/"+created.Subscription.ID, "merchant_2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = doJSON(r, http.MethodDelete, "/v1/subscriptions/"+created.Subscription.ID, "merchant_1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = doJSON(r, http.MethodDelete, "/v1/subscriptions/"+created.Subscription.ID, "merchant_1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	r, _ := setupRouter(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed", "not-an-object"},
		{"private url", gin.H{"url": "http://10.0.0.1/hook", "events": []string{"settlement.settled"}}},
		{"no events", gin.H{"url": "https://hooks.example.com", "events": []string{}}},
		{"unknown event", gin.H{"url": "https://hooks.example.com", "events": []string{"batch.completed"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/v1/subscriptions", "merchant_1", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "invalid_request")
		})
	}
}

func TestHandler_RequiresActor(t *testing.T) {
	r, _ := setupRouter(t)
	w := doJSON(r, http.MethodGet, "/v1/subscriptions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
