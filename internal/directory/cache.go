package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ojtrack/internal/geo"
	"ojtrack/internal/store"
)

const (
	userCachePrefix      = "directory:user"
	workplaceCachePrefix = "directory:workplace"
)

// Cached puts a redis cache-aside layer in front of user and workplace
// lookups. Cache failures fall through to the wrapped directory. Entries can
// be up to the TTL stale, so authorization must not read through it.
type Cached struct {
	Directory
	rdb *store.Redis
	ttl time.Duration
	log *zap.Logger
}

func NewCached(d Directory, rdb *store.Redis, ttl time.Duration, log *zap.Logger) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cached{Directory: d, rdb: rdb, ttl: ttl, log: log}
}

// entry wraps cached values so a cached miss is distinguishable from no cache.
type entry[T any] struct {
	Found bool `json:"found"`
	Value T    `json:"value"`
}

func (c *Cached) GetUser(ctx context.Context, id string) (*User, error) {
	return cacheAside(ctx, c, c.rdb.Key(userCachePrefix, id), func() (*User, error) {
		return c.Directory.GetUser(ctx, id)
	})
}

func (c *Cached) WorkplaceLocation(ctx context.Context, studentID string) (*geo.Workplace, error) {
	return cacheAside(ctx, c, c.rdb.Key(workplaceCachePrefix, studentID), func() (*geo.Workplace, error) {
		return c.Directory.WorkplaceLocation(ctx, studentID)
	})
}

func cacheAside[T any](ctx context.Context, c *Cached, key string, load func() (*T, error)) (*T, error) {
	raw, err := c.rdb.Client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var e entry[T]
		if jerr := json.Unmarshal(raw, &e); jerr == nil {
			if !e.Found {
				return nil, nil
			}
			return &e.Value, nil
		}
	case !errors.Is(err, goredis.Nil):
		c.log.Warn("directory cache read failed", zap.String("key", key), zap.Error(err))
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	e := entry[T]{Found: v != nil}
	if v != nil {
		e.Value = *v
	}
	if raw, jerr := json.Marshal(e); jerr == nil {
		if serr := c.rdb.Client.Set(ctx, key, raw, c.ttl).Err(); serr != nil {
			c.log.Warn("directory cache write failed", zap.String("key", key), zap.Error(serr))
		}
	}
	return v, nil
}
