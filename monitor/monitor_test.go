package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ads-gateway/events"
)

func TestRecordAndStats(t *testing.T) {
	m := New(nil)
	defer m.Stop()

	for i := 1; i <= 100; i++ {
		m.Record("ads.read", time.Duration(i)*time.Microsecond)
	}

	stats, ok := m.Stats("ads.read")
	require.True(t, ok)
	assert.Equal(t, uint64(100), stats.Count)
	assert.Equal(t, int64(1000), stats.MinNs)
	assert.Equal(t, int64(100000), stats.MaxNs)
	assert.Equal(t, int64(50000), stats.P50Ns)
	assert.Equal(t, int64(95000), stats.P95Ns)
	assert.Equal(t, int64(99000), stats.P99Ns)
	assert.Equal(t, int64(50500), stats.AvgNs)
	assert.False(t, stats.LastUpdate.IsZero())
}

func TestStatsUnknownOperation(t *testing.T) {
	m := New(nil)
	defer m.Stop()

	_, ok := m.Stats("nope")
	assert.False(t, ok)
}

func TestMeasureSuccessAndFailure(t *testing.T) {
	m := New(nil)
	defer m.Stop()

	err := m.Measure("op", func() error { return nil })
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.Measure("op", func() error { return boom })
	assert.Equal(t, boom, err) // failure is re-raised

	ok1, okErr := false, false
	if s, ok := m.Stats("op"); ok && s.Count == 1 {
		ok1 = true
	}
	if s, ok := m.Stats("op:error"); ok && s.Count == 1 {
		okErr = true
	}
	assert.True(t, ok1, "success latency recorded under op")
	assert.True(t, okErr, "failure latency recorded under op:error")
}

func TestMeasureEmitsPerfSample(t *testing.T) {
	bus := events.NewBus(false)
	m := New(bus)
	defer m.Stop()

	require.NoError(t, m.Measure("cache.get", func() error { return nil }))

	recent := bus.RecentPerf("cache.get", 1)
	require.Len(t, recent, 1)
	assert.GreaterOrEqual(t, recent[0].DurationNs, int64(0))
}

func TestBusFeedsMonitor(t *testing.T) {
	bus := events.NewBus(false)
	m := New(bus)
	defer m.Stop()

	bus.Emit("performance.metric", events.PerfSample{
		Operation:  "fanout.publish",
		DurationNs: 1500,
		Timestamp:  time.Now(),
	})

	stats, ok := m.Stats("fanout.publish")
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Count)
}

func TestTop(t *testing.T) {
	m := New(nil)
	defer m.Stop()

	m.Record("fast", time.Microsecond)
	m.Record("slow", time.Millisecond)
	m.Record("medium", 100*time.Microsecond)

	top := m.Top(2)
	require.Len(t, top, 2)
	assert.Equal(t, "slow", top[0].Operation)
	assert.Equal(t, "medium", top[1].Operation)
}

func TestRemoveStale(t *testing.T) {
	m := New(nil)
	defer m.Stop()

	m.Record("old", time.Microsecond)
	m.mu.Lock()
	m.ops["old"].lastUpdate = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()
	m.Record("fresh", time.Microsecond)

	m.removeStale()

	_, ok := m.Stats("old")
	assert.False(t, ok)
	_, ok = m.Stats("fresh")
	assert.True(t, ok)
}
