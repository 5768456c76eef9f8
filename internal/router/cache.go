package router

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/clawinfra/parlo/internal/types"
)

// Cache remembers model classifications so a repeated request does not pay
// for a second model call. Implementations treat backend errors as misses.
type Cache interface {
	Get(ctx context.Context, key string) (types.FunctionCall, bool)
	Set(ctx context.Context, key string, call types.FunctionCall)
}

// CacheKey hashes the inputs that determine a model classification.
func CacheKey(deviceID, profile, text string) string {
	h, _ := blake2b.New(16, nil) // error only for invalid key size
	for _, part := range []string{deviceID, profile, text} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	call    types.FunctionCall
	expires time.Time
	added   time.Time
}

// LocalCache is an in-process TTL cache bounded to maxEntries.
type LocalCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewLocalCache creates an in-memory cache.
func NewLocalCache(ttl time.Duration, maxEntries int) *LocalCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 2048
	}
	return &LocalCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *LocalCache) Get(_ context.Context, key string) (types.FunctionCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return types.FunctionCall{}, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return types.FunctionCall{}, false
	}
	return e.call, true
}

func (c *LocalCache) Set(_ context.Context, key string, call types.FunctionCall) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evict(now)
	}
	c.entries[key] = cacheEntry{call: call, expires: now.Add(c.ttl), added: now}
}

// evict drops expired entries, or the oldest one when none has expired.
func (c *LocalCache) evict(now time.Time) {
	var oldestKey string
	var oldest time.Time
	removed := false
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			removed = true
			continue
		}
		if oldestKey == "" || e.added.Before(oldest) {
			oldestKey, oldest = k, e.added
		}
	}
	if !removed && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of live and expired-but-unswept entries.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares classifications between instances through Redis.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache connects to addr and verifies the connection.
func NewRedisCache(ctx context.Context, addr string, db int, ttl time.Duration, logger *slog.Logger) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisCacheFromClient(rdb, ttl, logger), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{
		rdb:    rdb,
		prefix: "parlo:intent:",
		ttl:    ttl,
		logger: logger.With("component", "intent-cache"),
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) (types.FunctionCall, bool) {
	data, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache get failed", "error", err)
		}
		return types.FunctionCall{}, false
	}
	var call types.FunctionCall
	if err := json.Unmarshal(data, &call); err != nil || call.Name == "" {
		return types.FunctionCall{}, false
	}
	return call, true
}

func (c *RedisCache) Set(ctx context.Context, key string, call types.FunctionCall) {
	data, err := json.Marshal(call)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", "error", err)
	}
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
