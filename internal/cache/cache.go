// Package cache provides a small TTL cache used for call/recording status
// lookups and escalation cooldown markers. It is backed by redis when an
// address is configured and falls back to an in-process map otherwise, so
// single-node deployments need no extra infrastructure.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "callbridge:"

type memEntry struct {
	value     string
	expiresAt time.Time
}

// Cache is safe for concurrent use. A nil *Cache is valid and behaves as
// an always-miss cache, so callers never need to guard against it.
type Cache struct {
	rdb *redis.Client
	log *slog.Logger
	now func() time.Time

	mu  sync.Mutex
	mem map[string]memEntry
}

// Open connects to redis at addr, validating connectivity via PING. An empty
// addr selects the in-process fallback.
func Open(ctx context.Context, addr string, db int, logger *slog.Logger) (*Cache, error) {
	c := &Cache{
		log: logger.With("subsystem", "cache"),
		now: time.Now,
		mem: make(map[string]memEntry),
	}
	if addr == "" {
		c.log.Info("redis not configured, using in-process cache")
		return c, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	c.rdb = rdb
	c.log.Info("connected to redis", "addr", addr, "db", db)
	return c, nil
}

// Close releases the redis connection if one is open.
func (c *Cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// Get returns the cached value for key and whether it was present.
// Errors are treated as misses; the cache never blocks a read path.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if c == nil {
		return "", false
	}
	key = keyPrefix + key
	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			return "", false
		}
		if err != nil {
			c.log.Warn("cache get failed", "key", key, "error", err)
			return "", false
		}
		return val, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.mem[key]
	if !ok || c.now().After(ent.expiresAt) {
		delete(c.mem, key)
		return "", false
	}
	return ent.value, true
}

// Set stores value under key for ttl. A ttl of zero or less is a no-op.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if c == nil || ttl <= 0 {
		return
	}
	key = keyPrefix + key
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
			c.log.Warn("cache set failed", "key", key, "error", err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem[key] = memEntry{value: value, expiresAt: c.now().Add(ttl)}
	c.pruneLocked()
}

// Delete removes keys from the cache.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = keyPrefix + k
	}
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, prefixed...).Err(); err != nil {
			c.log.Warn("cache delete failed", "error", err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range prefixed {
		delete(c.mem, k)
	}
}

// Acquire atomically claims key for ttl and reports whether this caller won
// it. Used as a cooldown marker: a second Acquire within the ttl returns
// false. On redis errors the claim is granted so a cache outage cannot
// suppress escalations.
func (c *Cache) Acquire(ctx context.Context, key string, ttl time.Duration) bool {
	if c == nil || ttl <= 0 {
		return true
	}
	key = keyPrefix + key
	if c.rdb != nil {
		ok, err := c.rdb.SetNX(ctx, key, "1", ttl).Result()
		if err != nil {
			c.log.Warn("cache acquire failed", "key", key, "error", err)
			return true
		}
		return ok
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.mem[key]; ok && c.now().Before(ent.expiresAt) {
		return false
	}
	c.mem[key] = memEntry{value: "1", expiresAt: c.now().Add(ttl)}
	c.pruneLocked()
	return true
}

// pruneLocked drops expired fallback entries. Called with c.mu held.
func (c *Cache) pruneLocked() {
	if len(c.mem) < 1024 {
		return
	}
	now := c.now()
	for k, ent := range c.mem {
		if now.After(ent.expiresAt) {
			delete(c.mem, k)
		}
	}
}

// CallStatusKey is the cache key for a call session's status.
func CallStatusKey(callID string) string {
	return "status:call:" + callID
}

// RecordingStatusKey is the cache key for a recording's status.
func RecordingStatusKey(recordingID string) string {
	return "status:recording:" + recordingID
}

// CooldownKey is the cache key suppressing repeat fires of a rule on a call.
func CooldownKey(callID string, ruleID int64) string {
	return fmt.Sprintf("cooldown:%s:%d", callID, ruleID)
}
