package dataforwarding

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwarderStartsEmpty(t *testing.T) {
	f := NewForwarder(nil)
	defer f.Close()

	assert.Zero(t, f.SinkCount())
	// forwarding with no sinks is a no-op, not an error
	assert.NoError(t, f.Forward(Sample{VariableID: "v1"}))
}

func TestConfigureFileSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.jsonl")

	f := NewForwarder(nil)
	defer f.Close()

	f.Configure([]SinkConfig{
		{Type: "file", Enabled: true, Path: path},
	})
	require.Equal(t, 1, f.SinkCount())

	require.NoError(t, f.Forward(Sample{
		ConnectionID: "c1",
		VariableID:   "v1",
		VariableName: "temperature",
		Topic:        "variables/v1/value",
		Value:        23.5,
		Timestamp:    1000,
		Quality:      "good",
	}))
	require.NoError(t, f.Forward(Sample{VariableID: "v2", Value: "text", Quality: "good"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)

	var sample Sample
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &sample))
	assert.Equal(t, "v1", sample.VariableID)
	assert.InDelta(t, 23.5, sample.Value.(float64), 1e-6)
}

func TestConfigureReplacesSinkSet(t *testing.T) {
	dir := t.TempDir()

	f := NewForwarder([]SinkConfig{
		{Type: "file", Enabled: true, Path: filepath.Join(dir, "a.jsonl")},
	})
	defer f.Close()
	require.Equal(t, 1, f.SinkCount())

	f.Configure([]SinkConfig{
		{Type: "file", Enabled: true, Path: filepath.Join(dir, "b.jsonl")},
		{Type: "file", Enabled: false, Path: filepath.Join(dir, "c.jsonl")},
	})
	assert.Equal(t, 1, f.SinkCount(), "disabled sinks are skipped")

	require.NoError(t, f.Forward(Sample{VariableID: "v1", Value: 1.0}))
	_, err := os.Stat(filepath.Join(dir, "a.jsonl"))
	assert.True(t, os.IsNotExist(err), "replaced sink no longer receives samples")
}

func TestUnknownSinkTypeSkipped(t *testing.T) {
	f := NewForwarder([]SinkConfig{
		{Type: "carrier-pigeon", Enabled: true},
	})
	defer f.Close()
	assert.Zero(t, f.SinkCount())
}

func TestSinkConfigValidation(t *testing.T) {
	_, err := buildSink(SinkConfig{Type: "rest"})
	assert.Error(t, err, "rest sink needs a url")
	_, err = buildSink(SinkConfig{Type: "file"})
	assert.Error(t, err, "file sink needs a path")
	_, err = buildSink(SinkConfig{Type: "mqtt"})
	assert.Error(t, err, "mqtt sink needs a broker url")
	_, err = buildSink(SinkConfig{Type: "postgres"})
	assert.Error(t, err, "postgres sink needs a dsn")
}
