package cache

import (
	"context"
	"encoding/json"
	"time"

	"pricehub/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	pricePrefix = "pricehub:price:"

	// LatestKey holds the last broadcast payload as sent to subscribers
	LatestKey = "pricehub:latest"
)

// PriceKey is the key holding the latest PricePoint of one source
func PriceKey(source string) string {
	return pricePrefix + source
}

// PriceCache writes the latest prices to Redis so other services can read
// them without holding a websocket. Keys: PriceKey(source) and LatestKey.
type PriceCache struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewPriceCache(client *redis.Client, logger *logrus.Logger) *PriceCache {
	return &PriceCache{
		client: client,
		logger: logger,
	}
}

// SetPayload caches every price of a broadcast plus the raw payload in one round trip
func (c *PriceCache) SetPayload(ctx context.Context, payload models.BroadcastPayload, data []byte, ttl time.Duration) error {
	pipe := c.client.TxPipeline()
	for source, point := range payload.Prices {
		encoded, err := json.Marshal(point)
		if err != nil {
			return err
		}
		pipe.Set(ctx, PriceKey(source), encoded, ttl)
	}
	pipe.Set(ctx, LatestKey, data, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	c.logger.Debugf("Cached %d prices", len(payload.Prices))
	return nil
}
