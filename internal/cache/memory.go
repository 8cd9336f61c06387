package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fairwaylabs/teebox/pkg/config"
	"github.com/fairwaylabs/teebox/pkg/logging"
)

// MemoryTier is the hot cache layer. The default is an in-process
// bounded LRU; a Redis-backed tier is available when several processes
// share one cache. Values are opaque encoded entries.
type MemoryTier interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
}

// LRUTier is a bounded in-process memory tier
type LRUTier struct {
	cache *lru.Cache[string, []byte]
}

// NewLRUTier creates an LRU memory tier with the given capacity
func NewLRUTier(size int) (*LRUTier, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &LRUTier{cache: c}, nil
}

// Get retrieves a value from the tier
func (t *LRUTier) Get(key string) ([]byte, bool) {
	return t.cache.Get(key)
}

// Set stores a value in the tier
func (t *LRUTier) Set(key string, value []byte) {
	t.cache.Add(key, value)
}

// Delete removes a key from the tier
func (t *LRUTier) Delete(key string) {
	t.cache.Remove(key)
}

// RedisTier is a shared memory tier backed by Redis
type RedisTier struct {
	client *redis.Client
	ctx    context.Context
	ttl    time.Duration
}

// NewRedisTier connects to Redis and returns a shared memory tier.
// Returns nil when Redis is not configured.
func NewRedisTier(cfg *config.RedisConfig, ttl time.Duration) (*RedisTier, error) {
	if !cfg.Enabled {
		logging.GetLogger().Info("Redis hot tier disabled")
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.GetLogger().Info("Redis hot tier connected")

	return &RedisTier{
		client: client,
		ctx:    context.Background(),
		ttl:    ttl,
	}, nil
}

// Get retrieves a value from Redis
func (t *RedisTier) Get(key string) ([]byte, bool) {
	if t == nil || t.client == nil {
		return nil, false
	}
	val, err := t.client.Get(t.ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

// Set stores a value in Redis with the tier TTL
func (t *RedisTier) Set(key string, value []byte) {
	if t == nil || t.client == nil {
		return
	}
	t.client.Set(t.ctx, key, value, t.ttl)
}

// Delete removes a key from Redis
func (t *RedisTier) Delete(key string) {
	if t == nil || t.client == nil {
		return
	}
	t.client.Del(t.ctx, key)
}

// Close closes the Redis connection
func (t *RedisTier) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}
