package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactSubscription(t *testing.T) {
	b := NewBus(false)
	var got []string
	b.Subscribe("variable.changed", func(e Event) {
		got = append(got, e.Name)
	})

	b.Emit("variable.changed", nil)
	b.Emit("variable.error", nil)

	assert.Equal(t, []string{"variable.changed"}, got)
}

func TestWildcardSubscription(t *testing.T) {
	b := NewBus(false)
	var got []string
	b.Subscribe("variable.*", func(e Event) {
		got = append(got, e.Name)
	})

	b.Emit("variable.changed", nil)
	b.Emit("variable.error", nil)
	b.Emit("connection.lost", nil)
	b.Emit("variable", nil)

	assert.Equal(t, []string{"variable.changed", "variable.error"}, got)
}

func TestTrailingWildcardMatchesDeepNames(t *testing.T) {
	b := NewBus(false)
	var count int
	b.Subscribe("ws.*", func(Event) { count++ })

	b.Emit("ws.client.connected", nil)
	b.Emit("ws.client.disconnected", nil)

	assert.Equal(t, 2, count)
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus(false)
	var count int
	id := b.Subscribe("cache.hit", func(Event) { count++ })

	b.Emit("cache.hit", nil)
	b.Unsubscribe("cache.hit", id)
	b.Emit("cache.hit", nil)

	assert.Equal(t, 1, count)
}

// Events from one emitter arrive at one listener in emission order.
func TestSingleEmitterOrdering(t *testing.T) {
	b := NewBus(false)
	var got []int
	b.Subscribe("variable.changed", func(e Event) {
		got = append(got, e.Payload.(int))
	})

	for i := 0; i < 100; i++ {
		b.Emit("variable.changed", i)
	}

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	b := NewBus(false)
	var mu sync.Mutex
	var count int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := b.Subscribe("system.*", func(Event) {
				mu.Lock()
				count++
				mu.Unlock()
			})
			for j := 0; j < 50; j++ {
				b.Emit("system.error", j)
			}
			b.Unsubscribe("system.*", id)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, count, 0)
}

func TestPerfRing(t *testing.T) {
	b := NewBus(false)

	for i := 1; i <= 5; i++ {
		b.Emit("performance.metric", PerfSample{
			Operation:  "read",
			DurationNs: int64(i * 1000),
			Timestamp:  time.Now(),
		})
	}
	b.Emit("performance.metric", PerfSample{Operation: "write", DurationNs: 9000})

	recent := b.RecentPerf("read", 3)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(5000), recent[0].DurationNs) // newest first

	avg, n := b.PerfAverage("read")
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(3000), avg)

	_, n = b.PerfAverage("missing")
	assert.Zero(t, n)
}
