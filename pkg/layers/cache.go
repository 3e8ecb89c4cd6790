package layers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/redis/go-redis/v9"

	"github.com/Ignacio1972/mineria-sub003/pkg/canonicalize"
)

// Cache is a byte cache with per-entry expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps an existing client. Keys are namespaced by prefix.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// CachedStore memoises QueryNear results. Entries are keyed by layer name,
// layer version, query geometry digest and radius, so a new layer version
// never serves stale hits. Cache failures fall through to the backing store.
type CachedStore struct {
	next   Store
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore wraps next with cache.
func NewCachedStore(next Store, cache Cache, ttl time.Duration) *CachedStore {
	return &CachedStore{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: slog.Default().With("component", "layers.cache"),
	}
}

// GetLayer is never cached; the current version may move.
func (s *CachedStore) GetLayer(ctx context.Context, name string) (ReferenceLayer, error) {
	return s.next.GetLayer(ctx, name)
}

func (s *CachedStore) QueryNear(ctx context.Context, layer ReferenceLayer, g orb.Geometry, radiusKm float64) ([]Hit, error) {
	key, err := nearKey(layer, g, radiusKm)
	if err != nil {
		return s.next.QueryNear(ctx, layer, g, radiusKm)
	}

	if data, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "layer cache read failed", "layer", layer.Name, "error", err)
	} else if ok {
		var hits []Hit
		if err := json.Unmarshal(data, &hits); err == nil {
			return hits, nil
		}
	}

	hits, err := s.next.QueryNear(ctx, layer, g, radiusKm)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(hits); err == nil {
		if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
			s.logger.WarnContext(ctx, "layer cache write failed", "layer", layer.Name, "error", err)
		}
	}
	return hits, nil
}

func nearKey(layer ReferenceLayer, g orb.Geometry, radiusKm float64) (string, error) {
	digest, err := canonicalize.Digest(geojson.NewGeometry(g))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("near:%s:%s:%s:%g", layer.Name, layer.Version, digest, radiusKm), nil
}
