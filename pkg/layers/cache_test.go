package layers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return nil, false, errors.New("cache down")
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("cache down")
	}
	c.data[key] = value
	return nil
}

type countingStore struct {
	Store
	queries int
}

func (s *countingStore) QueryNear(ctx context.Context, l ReferenceLayer, g orb.Geometry, r float64) ([]Hit, error) {
	s.queries++
	return s.Store.QueryNear(ctx, l, g, r)
}

func TestCachedStore_QueryNear(t *testing.T) {
	mem := NewMemoryStore()
	require.NoError(t, mem.Publish(ReferenceLayer{Name: Glaciers, Version: "1.0.0"},
		[]Feature{{ID: "g", Geometry: orb.Point{-69.95, -32.95}}}))

	backing := &countingStore{Store: mem}
	cache := &mapCache{data: map[string][]byte{}}
	s := NewCachedStore(backing, cache, time.Minute)
	ctx := context.Background()

	l, err := s.GetLayer(ctx, Glaciers)
	require.NoError(t, err)

	first, err := s.QueryNear(ctx, l, square(-70, -33, 0.1), 20)
	require.NoError(t, err)
	second, err := s.QueryNear(ctx, l, square(-70, -33, 0.1), 20)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, backing.queries)

	_, err = s.QueryNear(ctx, l, square(-70, -33, 0.1), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, backing.queries, "radius is part of the key")
}

func TestCachedStore_FallsThroughOnCacheFailure(t *testing.T) {
	mem := NewMemoryStore()
	require.NoError(t, mem.Publish(ReferenceLayer{Name: Glaciers, Version: "1.0.0"},
		[]Feature{{ID: "g", Geometry: orb.Point{-69.95, -32.95}}}))

	s := NewCachedStore(mem, &mapCache{fail: true}, time.Minute)
	hits, err := s.QueryNear(context.Background(), ReferenceLayer{Name: Glaciers, Version: "1.0.0"}, square(-70, -33, 0.1), 20)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}
