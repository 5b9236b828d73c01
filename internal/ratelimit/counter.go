package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Counter is a fixed-window counter store. Incr adds one to key and, only
// when that increment opened the window, arms the window expiry. It returns
// the post-increment count and the time left in the window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAfter time.Duration, err error)
}

// incrScript increments and arms the expiry in one server-side step, so two
// concurrent first hits cannot both set (and so extend) the window. A key
// found without an expiry is re-armed rather than left unbounded.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisCounter keeps windows in Redis.
type RedisCounter struct {
	rdb redis.Scripter
}

func NewRedisCounter(rdb redis.Scripter) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

type window struct {
	count   int64
	expires time.Time
}

// MemoryCounter is an in-process Counter for single-instance runs and tests.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*window), now: time.Now}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, d time.Duration) (int64, time.Duration, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(d)}
		c.windows[key] = w
	}
	w.count++
	return w.count, w.expires.Sub(now), nil
}

// Prune removes closed windows.
func (c *MemoryCounter) Prune() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, w := range c.windows {
		if !now.Before(w.expires) {
			delete(c.windows, k)
		}
	}
}
