package market

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPriceCache(t *testing.T) *PriceCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewPriceCacheWithClient(client, time.Minute)
}

func TestPriceCacheRoundTrip(t *testing.T) {
	cache := newTestPriceCache(t)
	ctx := context.Background()

	cache.SetPrice(ctx, "BTCUSDT", 65432.10)

	price, ok := cache.GetPrice(ctx, "BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 65432.10, price, 1e-9)
}

func TestPriceCacheMiss(t *testing.T) {
	cache := newTestPriceCache(t)

	_, ok := cache.GetPrice(context.Background(), "ETHUSDT")
	assert.False(t, ok)
}

func TestNilPriceCacheIsSafe(t *testing.T) {
	var cache *PriceCache

	cache.SetPrice(context.Background(), "BTCUSDT", 1)
	_, ok := cache.GetPrice(context.Background(), "BTCUSDT")
	assert.False(t, ok)
	assert.NoError(t, cache.Health(context.Background()))
	assert.NoError(t, cache.Close())
}
