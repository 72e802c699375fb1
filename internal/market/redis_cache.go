package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PriceCache shares the latest traded price per symbol across processes via
// Redis. It is optional; a nil cache degrades to in-process prices only.
type PriceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPriceCache creates a Redis-backed price cache from a redis:// URL
func NewPriceCache(url string, ttl time.Duration) (*PriceCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &PriceCache{
		client: redis.NewClient(opts),
		ttl:    ttl,
	}, nil
}

// NewPriceCacheWithClient wraps an existing client (tests)
func NewPriceCacheWithClient(client *redis.Client, ttl time.Duration) *PriceCache {
	return &PriceCache{client: client, ttl: ttl}
}

func priceKey(symbol string) string {
	return "tradeswarm:price:" + symbol
}

// SetPrice publishes the latest price for a symbol
func (c *PriceCache) SetPrice(ctx context.Context, symbol string, price float64) {
	if c == nil {
		return
	}
	err := c.client.Set(ctx, priceKey(symbol), strconv.FormatFloat(price, 'f', -1, 64), c.ttl).Err()
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache price")
	}
}

// GetPrice returns the latest cached price, or (0, false) on miss
func (c *PriceCache) GetPrice(ctx context.Context, symbol string) (float64, bool) {
	if c == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, priceKey(symbol)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Redis error during price lookup")
		}
		return 0, false
	}
	price, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}

// Health pings Redis
func (c *PriceCache) Health(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unhealthy: %w", err)
	}
	return nil
}

// Close releases the client
func (c *PriceCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
