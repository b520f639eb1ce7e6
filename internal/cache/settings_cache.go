// Package cache provides the two-tier settings cache used by the verification service:
// an in-process LRU in front of an optional shared Redis tier.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lab-verification-service/internal/domain"
)

const (
	defaultMaxItems  = 1000
	defaultMemoryTTL = 5 * time.Minute
	defaultRedisTTL  = time.Hour
	keyPrefix        = "labverify:settings"
)

// Stats represents cache performance statistics
type Stats struct {
	MemoryHits   int64     `json:"memory_hits"`
	MemoryMisses int64     `json:"memory_misses"`
	RedisHits    int64     `json:"redis_hits"`
	RedisMisses  int64     `json:"redis_misses"`
	Loads        int64     `json:"loads"`
	Errors       int64     `json:"errors"`
	LastReset    time.Time `json:"last_reset"`
}

type memoryEntry struct {
	settings  *domain.AutoVerificationSettings
	expiresAt time.Time
}

type redisEntry struct {
	Settings *domain.AutoVerificationSettings `json:"settings"`
	CachedAt time.Time                        `json:"cached_at"`
}

// Config configures the settings cache
type Config struct {
	MaxItems  int
	MemoryTTL time.Duration
	RedisTTL  time.Duration
}

// SettingsCache resolves settings through memory, then Redis, then the repository.
// Misses are not cached, so newly created settings are picked up immediately.
type SettingsCache struct {
	repo      domain.SettingsRepository
	memory    *lru.Cache
	redis     *redis.Client
	memoryTTL time.Duration
	redisTTL  time.Duration
	now       func() time.Time
	logger    *logrus.Logger

	statsMu sync.RWMutex
	stats   Stats
}

// NewSettingsCache creates a settings cache. redisClient may be nil to run memory-only.
func NewSettingsCache(repo domain.SettingsRepository, redisClient *redis.Client, cfg Config, logger *logrus.Logger) (*SettingsCache, error) {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultMaxItems
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = defaultMemoryTTL
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = defaultRedisTTL
	}

	memory, err := lru.New(cfg.MaxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}

	return &SettingsCache{
		repo:      repo,
		memory:    memory,
		redis:     redisClient,
		memoryTTL: cfg.MemoryTTL,
		redisTTL:  cfg.RedisTTL,
		now:       time.Now,
		logger:    logger,
		stats:     Stats{LastReset: time.Now()},
	}, nil
}

// NewRedisClient connects to Redis using the cache configuration
func NewRedisClient(cfg domain.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Settings implements domain.SettingsProvider. It returns a copy the caller may modify.
func (c *SettingsCache) Settings(ctx context.Context, tenantID, testCode string) (*domain.AutoVerificationSettings, error) {
	key := cacheKey(tenantID, testCode)

	if s := c.getFromMemory(key); s != nil {
		c.incr(func(st *Stats) { st.MemoryHits++ })
		return s.Clone(), nil
	}
	c.incr(func(st *Stats) { st.MemoryMisses++ })

	if s := c.getFromRedis(ctx, key); s != nil {
		c.incr(func(st *Stats) { st.RedisHits++ })
		c.setInMemory(key, s)
		return s.Clone(), nil
	}

	c.incr(func(st *Stats) { st.Loads++ })
	s, err := c.repo.GetSettings(ctx, tenantID, testCode)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.incr(func(st *Stats) { st.Errors++ })
		}
		return nil, err
	}

	c.setInMemory(key, s)
	c.setInRedis(ctx, key, s)
	return s.Clone(), nil
}

// Invalidate drops cached settings for a test code in both tiers
func (c *SettingsCache) Invalidate(ctx context.Context, tenantID, testCode string) error {
	key := cacheKey(tenantID, testCode)
	c.memory.Remove(key)
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate redis settings %s: %w", key, err)
	}
	return nil
}

// GetStats returns a snapshot of cache statistics
func (c *SettingsCache) GetStats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

// Ping checks the Redis tier if one is configured
func (c *SettingsCache) Ping(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

func (c *SettingsCache) getFromMemory(key string) *domain.AutoVerificationSettings {
	v, ok := c.memory.Get(key)
	if !ok {
		return nil
	}
	entry := v.(memoryEntry)
	if c.now().After(entry.expiresAt) {
		c.memory.Remove(key)
		return nil
	}
	return entry.settings
}

func (c *SettingsCache) setInMemory(key string, s *domain.AutoVerificationSettings) {
	c.memory.Add(key, memoryEntry{settings: s.Clone(), expiresAt: c.now().Add(c.memoryTTL)})
}

func (c *SettingsCache) getFromRedis(ctx context.Context, key string) *domain.AutoVerificationSettings {
	if c.redis == nil {
		return nil
	}

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.incr(func(st *Stats) { st.RedisMisses++ })
		return nil
	}
	if err != nil {
		c.incr(func(st *Stats) { st.Errors++ })
		c.logger.WithError(err).WithField("key", key).Warn("Redis settings lookup failed")
		return nil
	}

	var entry redisEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil || entry.Settings == nil {
		c.redis.Del(ctx, key)
		return nil
	}
	return entry.Settings
}

func (c *SettingsCache) setInRedis(ctx context.Context, key string, s *domain.AutoVerificationSettings) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(redisEntry{Settings: s, CachedAt: c.now()})
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.redisTTL).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Failed to cache settings in Redis")
	}
}

func (c *SettingsCache) incr(f func(*Stats)) {
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}

func cacheKey(tenantID, testCode string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, tenantID, testCode)
}
