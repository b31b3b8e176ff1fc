// Package cache wraps the redis backend used for hot read-paths and
// cross-process invalidation. Values are stored msgpack-encoded.
//
// The cache is an optimization, never an authoritative source: when the
// backend is unreachable, reads report a miss and writes are logged and
// dropped, the data-plane is never blocked.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"ads-gateway/events"
)

// InvalidationChannel carries cross-process invalidation patterns.
const InvalidationChannel = "gateway:invalidate"

// Config for the backend connection.
type Config struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// Stats are the counters the hit-rate is derived from.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	HitRate float64 `json:"hitRate"`
}

// Cache holds the three logical clients sharing one backend: imperative
// reads/writes, publishing invalidations, and subscriptions.
type Cache struct {
	rw      *redis.Client
	pub     *redis.Client
	sub     *redis.Client
	bus     *events.Bus
	timeout time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
	sets   atomic.Uint64
}

// New connects the three clients. The connection itself is lazy; a dead
// backend only surfaces as misses later.
func New(cfg Config, bus *events.Bus) *Cache {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	mk := func() *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:         addr,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		})
	}

	return &Cache{
		rw:      mk(),
		pub:     mk(),
		sub:     mk(),
		bus:     bus,
		timeout: timeout,
	}
}

// Get returns the decoded value and whether it was a hit.
func (c *Cache) Get(ctx context.Context, key string) (interface{}, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.rw.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logrus.Warnf("CACHE: get %s: %v", key, err)
		}
		c.misses.Add(1)
		c.emit("cache.miss", key)
		return nil, false
	}

	var value interface{}
	if err := msgpack.Unmarshal(raw, &value); err != nil {
		logrus.Warnf("CACHE: decode %s: %v", key, err)
		c.misses.Add(1)
		c.emit("cache.miss", key)
		return nil, false
	}

	c.hits.Add(1)
	c.emit("cache.hit", key)
	return value, true
}

// Set stores a value with the given TTL (0 means no expiry).
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		logrus.Warnf("CACHE: encode %s: %v", key, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rw.Set(ctx, key, raw, ttl).Err(); err != nil {
		logrus.Warnf("CACHE: set %s: %v", key, err)
		return
	}
	c.sets.Add(1)
	c.emit("cache.set", key)
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rw.Del(ctx, key).Err(); err != nil {
		logrus.Warnf("CACHE: delete %s: %v", key, err)
		return
	}
	c.emit("cache.delete", key)
}

// Exists reports whether the key is present.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.rw.Exists(ctx, key).Result()
	if err != nil {
		logrus.Warnf("CACHE: exists %s: %v", key, err)
		return false
	}
	return n > 0
}

// MGet fetches several keys in one pipelined round trip. Missing or
// undecodable keys are absent from the result.
func (c *Cache) MGet(ctx context.Context, keys []string) map[string]interface{} {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raws, err := c.rw.MGet(ctx, keys...).Result()
	if err != nil {
		logrus.Warnf("CACHE: mget: %v", err)
		c.misses.Add(uint64(len(keys)))
		return nil
	}

	out := make(map[string]interface{}, len(keys))
	for i, raw := range raws {
		if raw == nil {
			c.misses.Add(1)
			continue
		}
		s, ok := raw.(string)
		if !ok {
			c.misses.Add(1)
			continue
		}
		var value interface{}
		if err := msgpack.Unmarshal([]byte(s), &value); err != nil {
			c.misses.Add(1)
			continue
		}
		out[keys[i]] = value
		c.hits.Add(1)
	}
	return out
}

// MSet stores several keys in one pipeline. Atomicity across keys is not
// required and not provided.
func (c *Cache) MSet(ctx context.Context, values map[string]interface{}, ttl time.Duration) {
	if len(values) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pipe := c.rw.Pipeline()
	for key, value := range values {
		raw, err := msgpack.Marshal(value)
		if err != nil {
			logrus.Warnf("CACHE: encode %s: %v", key, err)
			continue
		}
		pipe.Set(ctx, key, raw, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.Warnf("CACHE: mset: %v", err)
		return
	}
	c.sets.Add(uint64(len(values)))
}

// InvalidatePattern removes all keys matching the glob and returns how many
// were removed.
func (c *Cache) InvalidatePattern(ctx context.Context, glob string) int {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var removed int
	iter := c.rw.Scan(ctx, 0, glob, 200).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			removed += c.deleteBatch(ctx, batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		logrus.Warnf("CACHE: scan %s: %v", glob, err)
	}
	if len(batch) > 0 {
		removed += c.deleteBatch(ctx, batch)
	}

	c.emit("cache.invalidate", glob)
	return removed
}

func (c *Cache) deleteBatch(ctx context.Context, keys []string) int {
	n, err := c.rw.Del(ctx, keys...).Result()
	if err != nil {
		logrus.Warnf("CACHE: delete batch: %v", err)
		return 0
	}
	return int(n)
}

// Publish sends a message on a backend channel, used for cross-process
// invalidation.
func (c *Cache) Publish(ctx context.Context, channel string, msg []byte) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.pub.Publish(ctx, channel, msg).Err(); err != nil {
		logrus.Warnf("CACHE: publish %s: %v", channel, err)
	}
}

// Subscribe runs the handler for every message on the channel until the
// context is cancelled.
func (c *Cache) Subscribe(ctx context.Context, channel string, handler func([]byte)) {
	ps := c.sub.Subscribe(ctx, channel)
	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
}

// Stats returns the counters and the derived hit-rate.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{Hits: hits, Misses: misses, Sets: c.sets.Load()}
	if hits+misses > 0 {
		s.HitRate = float64(hits) / float64(hits+misses)
	}
	return s
}

// Client exposes the imperative client for components that build durable
// structures on the same backend (the work queue).
func (c *Cache) Client() *redis.Client { return c.rw }

// Close tears down all three clients.
func (c *Cache) Close() {
	c.rw.Close()
	c.pub.Close()
	c.sub.Close()
}

func (c *Cache) emit(name, key string) {
	if c.bus != nil {
		c.bus.Emit(name, key)
	}
}
