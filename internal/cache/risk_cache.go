package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cryptopay/psp_core/internal/risk"
)

// RiskCache keeps the latest risk verdict per invoice in Redis so repeated
// reads (dashboard polling, payment page) do not re-run the engine. The
// database row stays the source of truth; the cache is advisory.
type RiskCache struct {
	redis *RedisClient
	ttl   time.Duration
}

// NewRiskCache creates a RiskCache with the given entry TTL.
func NewRiskCache(redis *RedisClient, ttl time.Duration) *RiskCache {
	return &RiskCache{redis: redis, ttl: ttl}
}

func (c *RiskCache) key(invoiceID string) string {
	return fmt.Sprintf("risk:verdict:%s", invoiceID)
}

// Set stores an invoice's verdict.
func (c *RiskCache) Set(ctx context.Context, invoiceID string, v *risk.Verdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}
	return c.redis.Set(ctx, c.key(invoiceID), string(data), c.ttl)
}

// Get returns the cached verdict, or (nil, nil) on a miss.
func (c *RiskCache) Get(ctx context.Context, invoiceID string) (*risk.Verdict, error) {
	data, err := c.redis.Get(ctx, c.key(invoiceID))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v risk.Verdict
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verdict: %w", err)
	}
	return &v, nil
}

// Invalidate drops the cached verdict, used after a manual risk update.
func (c *RiskCache) Invalidate(ctx context.Context, invoiceID string) error {
	return c.redis.Delete(ctx, c.key(invoiceID))
}
