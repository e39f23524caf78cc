//go:build integration

package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/splitpay/internal/events"
	"github.com/mbd888/splitpay/internal/testutil"
)

func TestPostgresStore_Subscriptions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i, party := range []string{"merchant_1", "merchant_1", "agent_1"} {
		require.NoError(t, store.Create(ctx, &Subscription{
			ID:        "wh_pg_" + string(rune('a'+i)),
			PartyID:   party,
			URL:       "https://hooks.example.com/" + party,
			Secret:    "s3cret",
			Events:    []events.Type{events.SettlementSettled, events.EscrowReleased},
			Active:    true,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := store.Get(ctx, "wh_pg_a")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got.Secret)
	assert.Equal(t, []events.Type{events.SettlementSettled, events.EscrowReleased}, got.Events)
	assert.Nil(t, got.LastSuccess)

	_, err = store.Get(ctx, "wh_missing")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	mine, err := store.ListByParty(ctx, "merchant_1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "wh_pg_b", mine[0].ID, "newest first")

	// Two failures with a threshold of two deactivate wh_pg_c.
	require.NoError(t, store.RecordDelivery(ctx, "wh_pg_c", "status 500", now, 2))
	require.NoError(t, store.RecordDelivery(ctx, "wh_pg_c", "status 500", now, 2))
	c, err := store.Get(ctx, "wh_pg_c")
	require.NoError(t, err)
	assert.False(t, c.Active)
	assert.Equal(t, 2, c.ConsecutiveFailures)
	assert.Equal(t, "status 500", c.LastError)

	// A success resets the count.
	require.NoError(t, store.RecordDelivery(ctx, "wh_pg_a", "timeout", now, 10))
	require.NoError(t, store.RecordDelivery(ctx, "wh_pg_a", "", now, 10))
	a, err := store.Get(ctx, "wh_pg_a")
	require.NoError(t, err)
	assert.Zero(t, a.ConsecutiveFailures)
	assert.Empty(t, a.LastError)
	require.NotNil(t, a.LastSuccess)
	assert.True(t, a.LastSuccess.Equal(now))

	active, err := store.ListActiveForParties(ctx, []string{"merchant_1", "agent_1"})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	assert.ErrorIs(t, store.RecordDelivery(ctx, "wh_missing", "", now, 10), ErrSubscriptionNotFound)
	require.NoError(t, store.Delete(ctx, "wh_pg_a"))
	assert.ErrorIs(t, store.Delete(ctx, "wh_pg_a"), ErrSubscriptionNotFound)
}
