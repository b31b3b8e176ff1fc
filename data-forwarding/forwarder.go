package dataforwarding

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink forwards one sample to an external system.
type Sink interface {
	Name() string
	Forward(sample Sample) error
	Close()
}

// SinkConfig describes one configured sink. Type is one of rest, file, mqtt,
// postgres.
type SinkConfig struct {
	Type    string            `json:"type"`
	Enabled bool              `json:"enabled"`
	URL     string            `json:"url,omitempty"`     // rest endpoint / mqtt broker / postgres DSN
	Path    string            `json:"path,omitempty"`    // file path
	Topic   string            `json:"topic,omitempty"`   // mqtt topic prefix
	Headers map[string]string `json:"headers,omitempty"` // rest headers
}

// Forwarder dispatches notification-queue samples to every enabled sink.
type Forwarder struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewForwarder builds the sink set from the configuration. Sinks that fail
// to initialize are skipped with a warning; forwarding is best effort by
// design, the queue retries transient failures.
func NewForwarder(configs []SinkConfig) *Forwarder {
	f := &Forwarder{}
	f.Configure(configs)
	return f
}

// Configure replaces the sink set.
func (f *Forwarder) Configure(configs []SinkConfig) {
	var sinks []Sink
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		sink, err := buildSink(cfg)
		if err != nil {
			logrus.Warnf("FWD: skipping %s sink: %v", cfg.Type, err)
			continue
		}
		sinks = append(sinks, sink)
	}

	f.mu.Lock()
	old := f.sinks
	f.sinks = sinks
	f.mu.Unlock()

	for _, s := range old {
		s.Close()
	}
	logrus.Infof("FWD: %d sinks active", len(sinks))
}

func buildSink(cfg SinkConfig) (Sink, error) {
	switch cfg.Type {
	case "rest":
		return newRESTSink(cfg)
	case "file":
		return newFileSink(cfg)
	case "mqtt":
		return newMQTTSink(cfg)
	case "postgres":
		return newPostgresSink(cfg)
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}

// Forward sends the sample to every sink. The first error is returned so the
// notification queue can retry; sinks that already succeeded tolerate the
// duplicate.
func (f *Forwarder) Forward(sample Sample) error {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()

	var firstErr error
	for _, s := range sinks {
		if err := s.Forward(sample); err != nil {
			logrus.Warnf("FWD: %s sink: %v", s.Name(), err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s sink: %v", s.Name(), err)
			}
		}
	}
	return firstErr
}

// SinkCount reports how many sinks are active.
func (f *Forwarder) SinkCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

// Close tears down all sinks.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sinks {
		s.Close()
	}
	f.sinks = nil
}
