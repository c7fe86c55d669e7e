package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter performs an atomic increment-and-check on one window key.
// IncrIfBelow never advances the count once it reached limit; a negative
// limit means unlimited. It returns the count after the call and whether the
// increment happened.
type Counter interface {
	IncrIfBelow(ctx context.Context, key string, limit int, expireAt time.Time) (int, bool, error)
	Decr(ctx context.Context, key string) error
}

type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	count    int
	expireAt time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]*memoryEntry), now: time.Now}
}

func (c *MemoryCounter) IncrIfBelow(_ context.Context, key string, limit int, expireAt time.Time) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expireAt) {
		e = &memoryEntry{expireAt: expireAt}
		c.entries[key] = e
	}
	if limit >= 0 && e.count >= limit {
		return e.count, false, nil
	}
	e.count++
	return e.count, true, nil
}

func (c *MemoryCounter) Decr(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.count > 0 {
		e.count--
	}
	return nil
}

// Prune drops expired windows.
func (c *MemoryCounter) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for key, e := range c.entries {
		if !now.Before(e.expireAt) {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

type RedisCounter struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisCounter(rdb redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "linkgate:quota:"
	}
	return &RedisCounter{rdb: rdb, prefix: prefix}
}

// Lua: compare and INCR in one round trip so concurrent callers cannot both
// slip under the limit.
var incrIfBelowScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit >= 0 and cur >= limit then
  return {0, cur}
end
cur = redis.call('INCR', KEYS[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
return {1, cur}
`)

func (c *RedisCounter) IncrIfBelow(ctx context.Context, key string, limit int, expireAt time.Time) (int, bool, error) {
	res, err := incrIfBelowScript.Run(ctx, c.rdb, []string{c.prefix + key}, limit, expireAt.UnixMilli()).Result()
	if err != nil {
		return 0, false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, false, fmt.Errorf("unexpected lua result: %#v", res)
	}
	flag, _ := arr[0].(int64)
	used, _ := arr[1].(int64)
	return int(used), flag == 1, nil
}

var decrScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

func (c *RedisCounter) Decr(ctx context.Context, key string) error {
	return decrScript.Run(ctx, c.rdb, []string{c.prefix + key}).Err()
}
