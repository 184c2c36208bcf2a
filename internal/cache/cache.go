// Package cache wraps the Redis client that holds the short-lived research
// projections: checkpoint sets, status hashes, results, abort flags and
// balance read-throughs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/market-research/internal/config"
)

// Cache is a thin, typed view over a Redis client.
type Cache struct {
	rdb *redis.Client
}

// New parses the configured URL, applies timeouts and pings the server.
func New(ctx context.Context, cfg config.RedisConfig) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "cache: parse url")
	}

	opts.ReadTimeout = time.Duration(cfg.ReadTimeoutSecs) * time.Second
	opts.WriteTimeout = time.Duration(cfg.WriteTimeoutSecs) * time.Second
	opts.DialTimeout = time.Duration(cfg.DialTimeoutSecs) * time.Second

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "cache: ping")
	}
	return &Cache{rdb: rdb}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return eris.Wrap(c.rdb.Ping(ctx).Err(), "cache: ping")
}

// GetJSON decodes the value at key into dst. It reports false on a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "cache: get %s", key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, eris.Wrapf(err, "cache: decode %s", key)
	}
	return true, nil
}

// SetJSON stores v encoded as JSON with the given TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "cache: encode %s", key)
	}
	return eris.Wrapf(c.rdb.Set(ctx, key, raw, ttl).Err(), "cache: set %s", key)
}

// GetInt reads an integer value. It reports false on a miss.
func (c *Cache) GetInt(ctx context.Context, key string) (int, bool, error) {
	n, err := c.rdb.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "cache: get %s", key)
	}
	return n, true, nil
}

// SetInt stores an integer value with the given TTL.
func (c *Cache) SetInt(ctx context.Context, key string, n int, ttl time.Duration) error {
	return eris.Wrapf(c.rdb.Set(ctx, key, n, ttl).Err(), "cache: set %s", key)
}

// fillScript sets KEYS[1] only while the version in KEYS[2] still equals
// ARGV[1] and KEYS[1] is absent.
var fillScript = redis.NewScript(`
local v = redis.call("GET", KEYS[2]) or "0"
if v ~= ARGV[1] then
	return 0
end
if redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3], "NX") then
	return 1
end
return 0
`)

// Version reads a counter maintained by Bump. A missing counter is 0.
func (c *Cache) Version(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "cache: get %s", key)
	}
	return n, nil
}

// Bump increments the counter at key and refreshes its TTL.
func (c *Cache) Bump(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return eris.Wrapf(err, "cache: bump %s", key)
}

// SetIntIfVersion stores n at key unless key is already set or the counter
// at versionKey has moved past version. It reports whether n was stored.
func (c *Cache) SetIntIfVersion(ctx context.Context, key, versionKey string, version int64, n int, ttl time.Duration) (bool, error) {
	v, err := c.Run(ctx, fillScript, []string{key, versionKey}, version, n, ttl.Milliseconds())
	if err != nil {
		return false, eris.Wrapf(err, "cache: fill %s", key)
	}
	stored, _ := v.(int64)
	return stored == 1, nil
}

// SetFlag stores a marker key.
func (c *Cache) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	return eris.Wrapf(c.rdb.Set(ctx, key, "1", ttl).Err(), "cache: set %s", key)
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, eris.Wrapf(err, "cache: exists %s", key)
	}
	return n > 0, nil
}

// Delete removes keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return eris.Wrap(c.rdb.Del(ctx, keys...).Err(), "cache: delete")
}

// HSet replaces the fields of a hash and refreshes its TTL in one
// transaction.
func (c *Cache) HSet(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return eris.Wrapf(err, "cache: hset %s", key)
}

// HGetAll returns every field of a hash. A missing key yields an empty map.
func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "cache: hgetall %s", key)
	}
	return m, nil
}

// SMembers returns the members of a set.
func (c *Cache) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "cache: smembers %s", key)
	}
	return m, nil
}

// Run executes a Lua script, loading it on first use.
func (c *Cache) Run(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	v, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return nil, eris.Wrap(err, "cache: run script")
	}
	return v, nil
}
