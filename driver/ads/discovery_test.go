package ads

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSchema struct {
	mu          sync.Mutex
	counter     uint32
	symbols     []Symbol
	counterErr  error
	invalidated int
}

func (f *fakeSchema) OnlineChangeCount(ctx context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter, f.counterErr
}

func (f *fakeSchema) Symbols(ctx context.Context) ([]Symbol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.symbols, nil
}

func (f *fakeSchema) InvalidateHandles() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

func (f *fakeSchema) set(counter uint32, symbols []Symbol) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter = counter
	f.symbols = symbols
}

func plcSchema() []Symbol {
	return []Symbol{
		{Path: "MAIN.temperature", TypeName: "REAL", Size: 4},
		{Path: "MAIN.counter", TypeName: "DINT", Size: 4},
		{Path: "MAIN.drive", TypeName: "ST_Drive", Size: 12},
		{Path: "MAIN.drive.speed", TypeName: "REAL", Size: 4},
		{Path: "MAIN.drive.limits", TypeName: "ST_Limits", Size: 8},
		{Path: "MAIN.drive.limits.min", TypeName: "REAL", Size: 4},
		{Path: "MAIN.drive.limits.max", TypeName: "REAL", Size: 4},
		{Path: "GVL.mode", TypeName: "INT", Size: 2},
	}
}

func TestWatcherEmitsOnFirstObservation(t *testing.T) {
	fake := &fakeSchema{}
	fake.set(1, plcSchema())

	var symbols []Symbol
	var vars []DiscoveredVariable
	w := NewWatcher("c1", fake, DiscoveryConfig{
		AutoRegister:        true,
		DefaultSamplePeriod: 500 * time.Millisecond,
	})
	w.OnSymbols = func(s []Symbol) { symbols = s }
	w.OnVariables = func(v []DiscoveredVariable) { vars = v }

	ran := w.Check(context.Background(), false)
	assert.True(t, ran)
	assert.NotEmpty(t, symbols)
	require.NotEmpty(t, vars)

	for _, v := range vars {
		assert.True(t, v.UseNotification)
		assert.Equal(t, 500*time.Millisecond, v.SamplePeriod)
	}
}

// Re-running with the same counter value produces no discovery events.
func TestWatcherIdempotentOnSameCounter(t *testing.T) {
	fake := &fakeSchema{}
	fake.set(7, plcSchema())

	var emissions int
	w := NewWatcher("c1", fake, DiscoveryConfig{})
	w.OnSymbols = func([]Symbol) { emissions++ }

	assert.True(t, w.Check(context.Background(), false))
	assert.False(t, w.Check(context.Background(), false))
	assert.False(t, w.Check(context.Background(), false))
	assert.Equal(t, 1, emissions)
}

func TestWatcherReactsToCounterChange(t *testing.T) {
	fake := &fakeSchema{}
	fake.set(1, plcSchema())

	var changes []uint32
	w := NewWatcher("c1", fake, DiscoveryConfig{})
	w.OnOnlineChange = func(c uint32) { changes = append(changes, c) }

	w.Check(context.Background(), false)
	fake.set(2, plcSchema())
	w.Check(context.Background(), false)

	assert.Equal(t, []uint32{1, 2}, changes)
	assert.Equal(t, 2, fake.invalidated) // handles dropped on each change
}

func TestWatcherForceEnumeratesWithoutChange(t *testing.T) {
	fake := &fakeSchema{}
	fake.set(3, plcSchema())

	var emissions int
	w := NewWatcher("c1", fake, DiscoveryConfig{})
	w.OnSymbols = func([]Symbol) { emissions++ }

	w.Check(context.Background(), false)
	assert.True(t, w.Check(context.Background(), true)) // on-demand
	assert.Equal(t, 2, emissions)
	assert.Equal(t, 1, fake.invalidated) // force alone does not drop handles
}

func TestWatcherSkipsWhileRunning(t *testing.T) {
	fake := &fakeSchema{}
	fake.set(1, plcSchema())

	w := NewWatcher("c1", fake, DiscoveryConfig{})
	require.True(t, w.running.CompareAndSwap(false, true)) // simulate in-flight iteration

	assert.False(t, w.Check(context.Background(), true))
	w.running.Store(false)
	assert.True(t, w.Check(context.Background(), true))
}

func TestFilterSymbols(t *testing.T) {
	all := plcSchema()

	bySubstring := filterSymbols(all, "drive")
	require.Len(t, bySubstring, 5)

	byGlob := filterSymbols(all, "MAIN.*")
	for _, s := range byGlob {
		assert.NotContains(t, s.Path, "GVL")
	}

	assert.Len(t, filterSymbols(all, ""), len(all))
}

func TestExpandStructs(t *testing.T) {
	all := plcSchema()
	selected := []Symbol{all[2]} // MAIN.drive (struct)

	expanded := expandStructs(all, selected)
	paths := make(map[string]bool)
	for _, s := range expanded {
		paths[s.Path] = true
	}

	assert.True(t, paths["MAIN.drive"])
	assert.True(t, paths["MAIN.drive.speed"])
	assert.True(t, paths["MAIN.drive.limits"])
	// one extra level for structs-of-structs reached via children
	assert.True(t, paths["MAIN.drive.limits.min"])
	assert.True(t, paths["MAIN.drive.limits.max"])
	assert.False(t, paths["MAIN.temperature"])
}

func TestDeriveVariablesSkipsStructs(t *testing.T) {
	vars := deriveVariables(plcSchema(), time.Second)
	for _, v := range vars {
		assert.NotEqual(t, "MAIN.drive", v.Path)
		assert.NotEqual(t, "MAIN.drive.limits", v.Path)
	}
	require.Len(t, vars, 6)
}

func TestWatcherStateReturnsToIdle(t *testing.T) {
	fake := &fakeSchema{}
	fake.set(1, plcSchema())

	w := NewWatcher("c1", fake, DiscoveryConfig{})
	assert.Equal(t, StateIdle, w.State())
	w.Check(context.Background(), false)
	assert.Equal(t, StateIdle, w.State())
}
