package runlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/splitpay/internal/idgen"
)

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every replica pointing at the same server.
// A lease that outlives its holder expires after ttl.
type Redis struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client redis.UniversalClient, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, prefix: "splitpay:runlock:", logger: logger}
}

// NewRedisFromURL parses a redis:// URL and creates a locker over a new client.
func NewRedisFromURL(url string, logger *slog.Logger) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("runlock: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedis(client, logger), client, nil
}

// Acquire sets the lease key if absent.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := idgen.Hex(16)
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("runlock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Err(); err != nil {
				r.logger.Warn("failed to release run lease", "key", key, "error", err)
			}
		})
	}
	return release, nil
}

// Ping checks the connection for health reporting.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var _ Locker = (*Redis)(nil)
