// Package redis caches per-user entry logs in Redis. Stores invalidate the
// cached log on every write, so a hit always reflects the latest committed
// state or is simply absent.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatlog-io/chatlog-service/internal/config"
	"github.com/chatlog-io/chatlog-service/internal/model"
	registrycache "github.com/chatlog-io/chatlog-service/internal/registry/cache"
	"github.com/chatlog-io/chatlog-service/internal/security"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registrycache.ChatLogCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CHATLOG_SERVICE_REDIS_URL is required")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURL creates a ChatLogCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string) (registrycache.ChatLogCache, error) {
	return LoadFromURLWithTTL(ctx, redisURL, defaultTTL)
}

// LoadFromURLWithTTL creates a cache with an explicit log TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.ChatLogCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisLogCache{client: client, ttl: ttl}, nil
}

type redisLogCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func logKey(userID string) string {
	return fmt.Sprintf("chat-log:%s", userID)
}

func (c *redisLogCache) Available() bool {
	return true
}

func (c *redisLogCache) Get(ctx context.Context, userID string) ([]model.LogEntry, bool, error) {
	data, err := c.client.Get(ctx, logKey(userID)).Bytes()
	if err == goredis.Nil {
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entries []model.LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, false, err
	}
	if security.CacheHitsTotal != nil {
		security.CacheHitsTotal.Inc()
	}
	return entries, true, nil
}

func (c *redisLogCache) Set(ctx context.Context, userID string, entries []model.LogEntry, ttl time.Duration) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, logKey(userID), data, ttl).Err()
}

func (c *redisLogCache) Remove(ctx context.Context, userID string) error {
	return c.client.Del(ctx, logKey(userID)).Err()
}

var _ registrycache.ChatLogCache = (*redisLogCache)(nil)
