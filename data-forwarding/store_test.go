package dataforwarding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func flushHistory(t *testing.T, s *Store, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := s.Statistics("v1")
		require.NoError(t, err)
		if stats.Count >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("history writer did not flush %d rows in time", want)
}

func TestHistoryAppendAndQueryNewestFirst(t *testing.T) {
	s := openTestStore(t)

	for i := 1; i <= 5; i++ {
		s.AppendHistory(HistoryEntry{
			VariableID:   "v1",
			VariableName: "MAIN.temperature",
			Value:        float64(20 + i),
			Timestamp:    int64(1000 * i),
			Quality:      "good",
		})
	}
	flushHistory(t, s, 5)

	got, err := s.QueryHistory("v1", 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, int64(5000), got[0].Timestamp)
	assert.Equal(t, int64(1000), got[4].Timestamp)
	assert.Equal(t, 25.0, got[0].Value)

	// bounded window and limit
	got, err = s.QueryHistory("v1", 2000, 4000, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4000), got[0].Timestamp)
}

func TestStatistics(t *testing.T) {
	s := openTestStore(t)

	s.AppendHistory(HistoryEntry{VariableID: "v1", VariableName: "n", Value: 2.0, Timestamp: 1, Quality: "good"})
	s.AppendHistory(HistoryEntry{VariableID: "v1", VariableName: "n", Value: 6.0, Timestamp: 2, Quality: "good"})
	s.AppendHistory(HistoryEntry{VariableID: "v1", VariableName: "n", Value: "text", Timestamp: 3, Quality: "bad"})
	flushHistory(t, s, 3)

	stats, err := s.Statistics("v1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, int64(2), stats.NumericCount)
	assert.Equal(t, 2.0, stats.Min)
	assert.Equal(t, 6.0, stats.Max)
	assert.Equal(t, 4.0, stats.Avg)
	assert.Equal(t, "text", stats.Latest)
	assert.Equal(t, int64(3), stats.LatestTimestamp)
}

func TestMetrics(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AppendMetric(SystemMetric{Timestamp: 100, MetricType: "cpu", Value: 12.5}))
	require.NoError(t, s.AppendMetric(SystemMetric{Timestamp: 200, MetricType: "memory", Value: 48.0}))
	require.NoError(t, s.AppendMetric(SystemMetric{Timestamp: 300, MetricType: "cpu", Value: 13.0}))

	all, err := s.QueryMetrics("", 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, int64(300), all[0].Timestamp)

	cpu, err := s.QueryMetrics("cpu", 0, 10)
	require.NoError(t, err)
	require.Len(t, cpu, 2)
	assert.Equal(t, 13.0, cpu[0].Value)
}

func TestAudit(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AppendAudit(AuditRecord{
		ID: "a1", Timestamp: 100, Action: "variable.write",
		VariableID: "v1", Actor: "alice", NewValue: "42", Status: "success",
	}))
	require.NoError(t, s.AppendAudit(AuditRecord{
		ID: "a2", Timestamp: 200, Action: "variable.write",
		VariableID: "v2", Actor: "bob", Status: "failed",
	}))
	require.NoError(t, s.AppendAudit(AuditRecord{
		ID: "a3", Timestamp: 300, Action: "connection.create",
		Actor: "alice", Status: "success",
	}))

	all, err := s.QueryAudit("", "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a3", all[0].ID) // newest first

	byVar, err := s.QueryAudit("v1", "", 10)
	require.NoError(t, err)
	require.Len(t, byVar, 1)
	assert.Equal(t, "a1", byVar[0].ID)

	byActor, err := s.QueryAudit("", "alice", 10)
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	stats, err := s.QueryAuditStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.ByAction["variable.write"])
}

func TestConnectionsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	conn := StoredConnection{
		ID: "c1", Name: "press-1", Host: "192.168.1.10", Port: 48898,
		TargetAddress: "192.168.1.10.1.1", TargetPort: 851, SourcePort: 32750,
		Enabled: true, DiscoveryConfig: `{"autoDiscover":true}`,
	}
	require.NoError(t, s.SaveConnection(conn))

	// upsert keeps the id stable
	conn.Name = "press-1-renamed"
	require.NoError(t, s.SaveConnection(conn))

	loaded, err := s.LoadConnections()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "press-1-renamed", loaded[0].Name)
	assert.True(t, loaded[0].Enabled)

	require.NoError(t, s.SaveVariable(StoredVariable{
		ID: "v1", ConnectionID: "c1", Name: "temperature",
		Path: "MAIN.temperature", Type: "real", SamplePeriodMs: 100,
		UseNotification: false, Topic: "variables/v1/value",
	}))
	vars, err := s.LoadVariables()
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "MAIN.temperature", vars[0].Path)

	// deleting the connection cascades to its variables
	require.NoError(t, s.DeleteConnection("c1"))
	loaded, err = s.LoadConnections()
	require.NoError(t, err)
	assert.Empty(t, loaded)
	vars, err = s.LoadVariables()
	require.NoError(t, err)
	assert.Empty(t, vars)
}

func TestCleanup(t *testing.T) {
	s := openTestStore(t)

	old := time.Now().AddDate(0, 0, -40).UnixMilli()
	recent := time.Now().UnixMilli()

	s.AppendHistory(HistoryEntry{VariableID: "v1", VariableName: "n", Value: 1.0, Timestamp: old, Quality: "good"})
	s.AppendHistory(HistoryEntry{VariableID: "v1", VariableName: "n", Value: 2.0, Timestamp: recent, Quality: "good"})
	flushHistory(t, s, 2)
	require.NoError(t, s.AppendMetric(SystemMetric{Timestamp: old, MetricType: "cpu", Value: 1}))
	require.NoError(t, s.AppendAudit(AuditRecord{ID: "a1", Timestamp: old, Action: "x", Actor: "y", Status: "success"}))

	removed, err := s.Cleanup(30)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	left, err := s.QueryHistory("v1", 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, 2.0, left[0].Value)
}
