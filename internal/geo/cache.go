package geo

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const cachePrefix = "geo:"

// Cache remembers the bucket for an address. Implementations treat their own
// failures as misses.
type Cache interface {
	Get(ctx context.Context, ip string) (string, bool)
	Set(ctx context.Context, ip, bucket string)
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
	_ Cache = noopCache{}
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, ip string) (string, bool) {
	v, err := c.rdb.Get(ctx, cachePrefix+ip).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Msg("geo cache get")
		}
		return "", false
	}
	return v, true
}

func (c *RedisCache) Set(ctx context.Context, ip, bucket string) {
	if err := c.rdb.Set(ctx, cachePrefix+ip, bucket, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("geo cache set")
	}
}

type memEntry struct {
	bucket  string
	expires time.Time
}

const defaultMemEntries = 100_000

// MemoryCache is an in-process cache for single-instance deployments. It holds
// at most max entries: a full cache first drops expired entries, then
// arbitrary ones.
type MemoryCache struct {
	mu  sync.Mutex
	m   map[string]memEntry // ip -> entry
	ttl time.Duration
	max int
	now func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{m: make(map[string]memEntry), ttl: ttl, max: defaultMemEntries, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, ip string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[ip]
	if !ok {
		return "", false
	}
	if c.now().After(e.expires) {
		delete(c.m, ip)
		return "", false
	}
	return e.bucket, true
}

func (c *MemoryCache) Set(_ context.Context, ip, bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, ok := c.m[ip]; !ok && len(c.m) >= c.max {
		c.evict(now)
	}
	c.m[ip] = memEntry{bucket: bucket, expires: now.Add(c.ttl)}
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func (c *MemoryCache) evict(now time.Time) {
	for ip, e := range c.m {
		if now.After(e.expires) {
			delete(c.m, ip)
		}
	}
	for ip := range c.m {
		if len(c.m) < c.max {
			return
		}
		delete(c.m, ip)
	}
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (string, bool) { return "", false }
func (noopCache) Set(context.Context, string, string)        {}
