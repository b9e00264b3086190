package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/healthbridge/lab-orders/pkg/logger"
)

// Cache is a read-through cache over Redis with narrow, explicit invalidation.
// A nil Redis client falls back to an in-process store so the service still
// runs without the shared key-value tier.
type Cache struct {
	client *redis.Client
	local  *localStore
	logger *logger.Logger
}

// New creates a cache layer. client may be nil.
func New(client *redis.Client, log *logger.Logger) *Cache {
	c := &Cache{
		client: client,
		local:  newLocalStore(),
		logger: log,
	}
	if client == nil {
		log.Warn("Redis client not configured, using in-process cache fallback")
	}
	return c
}

// Get returns the cached bytes for key, if present and unexpired
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.client == nil {
		return c.local.get(key)
	}

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).Warn("Cache get failed")
		}
		return nil, false
	}
	return val, true
}

// Set stores bytes under key with a TTL
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c.client == nil {
		c.local.set(key, value, ttl)
		return
	}

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("Cache set failed")
	}
}

// GetJSON unmarshals the cached value for key into dest
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.logger.WithError(err).Warn("Cache entry is not decodable, dropping it")
		c.Delete(ctx, key)
		return false
	}
	return true
}

// SetJSON marshals value and stores it under key with a TTL
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.WithError(err).Warn("Cache marshal failed")
		return
	}
	c.Set(ctx, key, raw, ttl)
}

// Delete removes the given keys
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}

	if c.client == nil {
		c.local.delete(keys...)
		return
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.WithError(err).Warn("Cache delete failed")
	}
}

// Incr atomically increments the counter at key, starting a fixed window on
// first increment. It returns the new count and the time left in the window.
func (c *Cache) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if c.client == nil {
		count, remaining := c.local.incr(key, window)
		return count, remaining, nil
	}

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("counter increment failed: %w", err)
	}

	if count == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			c.logger.WithError(err).Warn("Counter expire failed")
		}
		return count, window, nil
	}

	remaining, err := c.client.TTL(ctx, key).Result()
	if err != nil || remaining < 0 {
		remaining = window
	}
	return count, remaining, nil
}

// Health pings the backing store
func (c *Cache) Health(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Stop releases the fallback store's sweeper
func (c *Cache) Stop() {
	c.local.stop()
}

// Cache key builders. Invalidation is narrow by design: a write touches only
// the keys derived from the affected order, patient and tenant.

// OrderKey is the cache key for a single order
func OrderKey(tenantID, orderID string) string {
	return fmt.Sprintf("laborder:%s:%s", tenantID, orderID)
}

// PatientOrdersKey is the cache key for a patient's order listing
func PatientOrdersKey(tenantID, patientID string) string {
	return fmt.Sprintf("laborder:patient:%s:%s", tenantID, patientID)
}

// ResultKey is the cache key for an order's result set
func ResultKey(tenantID, orderID string) string {
	return fmt.Sprintf("labresult:%s:%s", tenantID, orderID)
}

// RequisitionKey is the cache key for a rendered requisition document
func RequisitionKey(tenantID, orderID string) string {
	return fmt.Sprintf("labrequisition:%s:%s", tenantID, orderID)
}

// CounterKey is the cache key for a fixed-window rate counter
func CounterKey(operation, userID string) string {
	return fmt.Sprintf("ratelimit:%s:%s", operation, userID)
}

// InvalidateOrder removes all cache entries touched by a write to an order
func (c *Cache) InvalidateOrder(ctx context.Context, tenantID, orderID, patientID string) {
	c.Delete(ctx,
		OrderKey(tenantID, orderID),
		PatientOrdersKey(tenantID, patientID),
		ResultKey(tenantID, orderID),
		RequisitionKey(tenantID, orderID),
	)
}
