//go:build integration

package runlock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_AcquireRelease(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	locker, client, err := NewRedisFromURL(url, nil)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	require.NoError(t, locker.Ping(ctx))

	key := "test-" + time.Now().Format("150405.000000")
	release, err := locker.Acquire(ctx, key, 10*time.Second)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, key, 10*time.Second)
	assert.ErrorIs(t, err, ErrHeld)

	release()
	again, err := locker.Acquire(ctx, key, 10*time.Second)
	require.NoError(t, err)
	again()
}
