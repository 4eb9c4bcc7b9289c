package cache

import (
	"context"
	"testing"

	"example.com/backstage/ingest/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledCache(t *testing.T) {
	c, err := NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, c.Enabled())
	assert.ErrorIs(t, c.Set(ctx, "k", 1, 0), ErrCacheDisabled)
	var v int
	assert.ErrorIs(t, c.Get(ctx, "k", &v), ErrCacheDisabled)
	assert.ErrorIs(t, c.Ping(ctx), ErrCacheDisabled)

	c.RememberNormalized(ctx, "abc", uuid.New())
	_, ok := c.LookupNormalized(ctx, "abc")
	assert.False(t, ok)
	assert.NoError(t, c.Close())
}

func TestNilCacheIsDisabled(t *testing.T) {
	var c *RedisCache
	assert.False(t, c.Enabled())
	_, ok := c.LookupNormalized(context.Background(), "abc")
	assert.False(t, ok)
}

func TestContentHashCacheKey(t *testing.T) {
	assert.Equal(t, "event:raw:abc", GetContentHashCacheKey("abc"))
}
