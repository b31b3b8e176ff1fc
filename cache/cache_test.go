package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ads-gateway/events"
)

// port 1 is never a redis backend; dials fail immediately with a refusal.
func unreachableCache(bus *events.Bus) *Cache {
	return New(Config{Host: "127.0.0.1", Port: 1, Timeout: 50 * time.Millisecond}, bus)
}

func TestUnreachableBackendReadsAreMisses(t *testing.T) {
	c := unreachableCache(nil)
	defer c.Close()

	_, hit := c.Get(context.Background(), "variable:v1")
	assert.False(t, hit, "a dead backend must read as a miss, never block")

	assert.False(t, c.Exists(context.Background(), "variable:v1"))
	assert.Nil(t, c.MGet(context.Background(), []string{"a", "b"}))
}

func TestUnreachableBackendWritesAreDropped(t *testing.T) {
	c := unreachableCache(nil)
	defer c.Close()

	// must not panic or block; the value is simply gone
	c.Set(context.Background(), "k", 1.0, time.Minute)
	c.Delete(context.Background(), "k")
	c.MSet(context.Background(), map[string]interface{}{"k": 1.0}, time.Minute)

	s := c.Stats()
	assert.Zero(t, s.Sets, "failed writes do not count as sets")
}

func TestStatsHitRate(t *testing.T) {
	c := unreachableCache(nil)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.Get(context.Background(), "missing")
	}

	s := c.Stats()
	assert.Equal(t, uint64(3), s.Misses)
	assert.Zero(t, s.Hits)
	assert.Zero(t, s.HitRate)
}

func TestCacheEventsEmitted(t *testing.T) {
	bus := events.NewBus(false)
	var names []string
	bus.Subscribe("cache.*", func(e events.Event) { names = append(names, e.Name) })

	c := unreachableCache(bus)
	defer c.Close()

	c.Get(context.Background(), "k")
	c.InvalidatePattern(context.Background(), "variable:*")

	assert.Contains(t, names, "cache.miss")
	assert.Contains(t, names, "cache.invalidate")
}
