package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/chainhook/chainhook/pkg/observability"
	"github.com/chainhook/chainhook/pkg/storage"
	"github.com/chainhook/chainhook/pkg/webhooks"
)

// activeSetKey caches the full active subscription set. Event fan-out
// filters in-process, so one key is enough and invalidation is a
// single delete.
const activeSetKey = "webhooks:active"

// CachedWebhookStore layers a Redis cache over a WebhookStore. Reads
// of the active set are served from cache within the TTL; mutations
// write through and invalidate. A stale read within the TTL window is
// accepted behavior.
type CachedWebhookStore struct {
	store   storage.WebhookStore
	client  *redis.Client
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewCachedWebhookStore connects to Redis and wraps the store.
// Metrics may be nil.
func NewCachedWebhookStore(store storage.WebhookStore, redisURL string, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) (*CachedWebhookStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CachedWebhookStore{
		store:   store,
		client:  client,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// NewCachedWebhookStoreWithClient wraps an existing Redis client.
// Used by tests.
func NewCachedWebhookStoreWithClient(store storage.WebhookStore, client *redis.Client, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *CachedWebhookStore {
	return &CachedWebhookStore{
		store:   store,
		client:  client,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

// CreateWebhook writes through and invalidates the active set.
func (c *CachedWebhookStore) CreateWebhook(ctx context.Context, sub *webhooks.Subscription) error {
	if err := c.store.CreateWebhook(ctx, sub); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

// GetWebhook reads through. Single-subscription reads are rare enough
// that they go straight to the store.
func (c *CachedWebhookStore) GetWebhook(ctx context.Context, id string) (*webhooks.Subscription, error) {
	return c.store.GetWebhook(ctx, id)
}

// ListActiveWebhooks serves the active set cache-first.
func (c *CachedWebhookStore) ListActiveWebhooks(ctx context.Context) ([]*webhooks.Subscription, error) {
	data, err := c.client.Get(ctx, activeSetKey).Result()
	if err == nil {
		var subs []*webhooks.Subscription
		if err := json.Unmarshal([]byte(data), &subs); err == nil {
			if c.metrics != nil {
				c.metrics.CacheHitsTotal.Inc()
			}
			return subs, nil
		}
		// Corrupt entry, drop it and fall through to the store.
		c.client.Del(ctx, activeSetKey)
	} else if err != redis.Nil {
		c.logger.WithError(err).Warn("Redis read failed, falling back to store")
	}

	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}

	subs, err := c.store.ListActiveWebhooks(ctx)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(subs); err == nil {
		if err := c.client.Set(ctx, activeSetKey, encoded, c.ttl).Err(); err != nil {
			c.logger.WithError(err).Warn("Failed to populate subscription cache")
		}
	}
	return subs, nil
}

// DeactivateWebhook writes through and invalidates the active set.
func (c *CachedWebhookStore) DeactivateWebhook(ctx context.Context, id string) error {
	if err := c.store.DeactivateWebhook(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

// ListActive resolves the subscriptions matching one event. This is
// the dispatcher's SubscriptionSource: the full active set comes from
// the cache and filtering happens in-process.
func (c *CachedWebhookStore) ListActive(ctx context.Context, eventType, contractID string) ([]*webhooks.Subscription, error) {
	subs, err := c.ListActiveWebhooks(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*webhooks.Subscription
	for _, sub := range subs {
		if sub.Matches(eventType, contractID) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

func (c *CachedWebhookStore) invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, activeSetKey).Err(); err != nil {
		c.logger.WithError(err).Warn("Failed to invalidate subscription cache")
	}
}

// Close releases the Redis client and the underlying store.
func (c *CachedWebhookStore) Close() error {
	if err := c.client.Close(); err != nil {
		c.store.Close()
		return err
	}
	return c.store.Close()
}
