package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing(5)
	for i := 1; i <= 12; i++ {
		r.PushAt(int64(i), i, QualityGood)
	}

	assert.Equal(t, 5, r.Len())
	assert.True(t, r.IsFull())

	oldest, ok := r.Oldest()
	require.True(t, ok)
	assert.Equal(t, 8, oldest.Value) // 12-5+1

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, 12, latest.Value)
}

func TestRingAtChronological(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 4; i++ {
		r.PushAt(int64(i), i, QualityGood)
	}

	for i := 0; i < 3; i++ {
		e, ok := r.At(i)
		require.True(t, ok)
		assert.Equal(t, i+2, e.Value)
	}
	_, ok := r.At(3)
	assert.False(t, ok)
}

func TestRingRange(t *testing.T) {
	r := NewRing(10)
	for _, ts := range []int64{10, 20, 30, 40, 50} {
		r.PushAt(ts, ts, QualityGood)
	}

	got := r.Range(20, 40)
	require.Len(t, got, 3)
	assert.Equal(t, int64(20), got[0].Timestamp)
	assert.Equal(t, int64(30), got[1].Timestamp)
	assert.Equal(t, int64(40), got[2].Timestamp)

	// inclusive on both ends
	assert.Len(t, r.Range(10, 50), 5)
	assert.Empty(t, r.Range(51, 99))
}

func TestRingLastN(t *testing.T) {
	r := NewRing(5)
	for i := 1; i <= 5; i++ {
		r.PushAt(int64(i), float64(i), QualityGood)
	}

	got := r.LastN(3)
	require.Len(t, got, 3)
	assert.Equal(t, 3.0, got[0].Value)
	assert.Equal(t, 5.0, got[2].Value)

	assert.Len(t, r.LastN(99), 5)
	assert.Empty(t, r.LastN(0))
}

func TestRingStats(t *testing.T) {
	r := NewRing(10)
	r.PushAt(1, 2.0, QualityGood)
	r.PushAt(2, 4.0, QualityGood)
	r.PushAt(3, 6.0, QualityGood)
	r.PushAt(4, "not numeric", QualityBad)

	s := r.Stats()
	assert.Equal(t, 4, s.Count)
	assert.Equal(t, 3, s.NumericCount)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 6.0, s.Max)
	assert.Equal(t, 4.0, s.Avg)
	assert.Equal(t, "not numeric", s.Latest)
}

func TestRingClear(t *testing.T) {
	r := NewRing(3)
	r.Push(1.0, QualityGood)
	require.False(t, r.IsEmpty())

	r.Clear()
	assert.True(t, r.IsEmpty())
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 3, r.Capacity())
}

func TestVariableBufferLazyCreation(t *testing.T) {
	vb := NewVariableBuffer(100)
	_, ok := vb.Ring("v1")
	assert.False(t, ok)

	vb.Push("v1", 23.5, QualityGood)
	r, ok := vb.Ring("v1")
	require.True(t, ok)
	assert.Equal(t, 1, r.Len())

	stats, ok := vb.Stats("v1")
	require.True(t, ok)
	assert.Equal(t, 23.5, stats.Latest)
}

func TestVariableBufferSummaryAndRemove(t *testing.T) {
	vb := NewVariableBuffer(8)
	vb.Push("a", 1, QualityGood)
	vb.Push("a", 2, QualityGood)
	vb.Push("b", 3, QualityGood)

	s := vb.Summary()
	assert.Equal(t, 2, s.Variables)
	assert.Equal(t, 3, s.Entries)
	assert.Greater(t, s.EstimatedBytes, int64(0))

	vb.Remove("a")
	_, ok := vb.Ring("a")
	assert.False(t, ok)
}
