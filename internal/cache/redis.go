package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/ingest/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrCacheDisabled is returned by Get and Set on a disabled cache
var ErrCacheDisabled = errors.New("cache is disabled")

// ErrCacheMiss is returned by Get when the key is absent
var ErrCacheMiss = errors.New("key not found in cache")

// RedisCache provides caching using Redis
type RedisCache struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return NewRedisCacheWithClient(client, cfg.TTL), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, enabled: client != nil, ttl: ttl}
}

// Enabled reports whether the cache talks to Redis
func (c *RedisCache) Enabled() bool {
	return c != nil && c.enabled
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	if !c.Enabled() {
		return ErrCacheDisabled
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}
	return nil
}

// Set stores a value in cache with optional expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if !c.Enabled() {
		return ErrCacheDisabled
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}
	return nil
}

// normalizedHint is what the cache remembers about a normalized raw event
type normalizedHint struct {
	RawEventID uuid.UUID `json:"raw_event_id"`
}

// LookupNormalized returns the raw event id recorded for a content hash that
// reached normalized. Cache failures read as a miss.
func (c *RedisCache) LookupNormalized(ctx context.Context, contentHash string) (uuid.UUID, bool) {
	if !c.Enabled() {
		return uuid.Nil, false
	}
	var hint normalizedHint
	if err := c.Get(ctx, GetContentHashCacheKey(contentHash), &hint); err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			log.Warn().Err(err).Str("content_hash", contentHash).Msg("Duplicate hint lookup failed")
		}
		return uuid.Nil, false
	}
	return hint.RawEventID, hint.RawEventID != uuid.Nil
}

// RememberNormalized records that contentHash reached normalized
func (c *RedisCache) RememberNormalized(ctx context.Context, contentHash string, rawEventID uuid.UUID) {
	if !c.Enabled() {
		return
	}
	if err := c.Set(ctx, GetContentHashCacheKey(contentHash), normalizedHint{RawEventID: rawEventID}, c.ttl); err != nil {
		log.Warn().Err(err).Str("content_hash", contentHash).Msg("Failed to store duplicate hint")
	}
}

// Ping checks the Redis connection
func (c *RedisCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return ErrCacheDisabled
	}
	return c.client.Ping(ctx).Err()
}

// GetContentHashCacheKey generates a cache key for a raw content hash
func GetContentHashCacheKey(hash string) string {
	return fmt.Sprintf("event:raw:%s", hash)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.Enabled() || c.client == nil {
		return nil
	}
	return c.client.Close()
}
