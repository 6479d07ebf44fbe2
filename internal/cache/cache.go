// Package cache provides the ephemeral key/value store used for order rows,
// strategy state and ticker snapshots. The in-memory implementation is the
// default; a Redis adapter is selected when an address is configured so
// multiple processes can share state.
package cache

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cache is the atomic get/set/del contract every consumer codes against.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Keys(ctx context.Context, prefix string) []string
}

// Stats reports hit/miss counters for the memory cache.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Entries   int   `json:"entries"`
	Evictions int64 `json:"evictions"`
}

type entry struct {
	b   []byte
	exp time.Time
}

type memory struct {
	mu    sync.Mutex
	m     map[string]entry
	stats Stats

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns an in-memory TTL cache with a background sweeper.
func New() Cache {
	c := &memory{m: make(map[string]entry), stopCh: make(chan struct{})}
	go c.sweep()
	return c
}

// NewAuto returns a Redis-backed cache when addr is non-empty, otherwise the
// in-memory cache.
func NewAuto(addr string) Cache {
	if addr != "" {
		return &redisCache{r: redis.NewClient(&redis.Options{Addr: addr})}
	}
	return New()
}

func (c *memory) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.b, true
}

func (c *memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.m[key] = e
}

func (c *memory) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

func (c *memory) Keys(_ context.Context, prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	keys := make([]string, 0, len(c.m))
	for k, e := range c.m {
		if !e.exp.IsZero() && now.After(e.exp) {
			continue
		}
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys
}

// Close stops the sweeper goroutine.
func (c *memory) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *memory) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.m {
				if !e.exp.IsZero() && now.After(e.exp) {
					delete(c.m, k)
					c.stats.Evictions++
				}
			}
			c.mu.Unlock()
		}
	}
}

type redisCache struct{ r *redis.Client }

func (r *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	v, err := r.r.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_ = r.r.Set(ctx, key, val, ttl).Err()
}

func (r *redisCache) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_ = r.r.Del(ctx, key).Err()
}

func (r *redisCache) Keys(ctx context.Context, prefix string) []string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var out []string
	iter := r.r.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out
}
