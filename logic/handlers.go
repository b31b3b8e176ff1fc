package logic

import (
	"context"

	dataforwarding "ads-gateway/data-forwarding"
	ads "ads-gateway/driver/ads"
	"ads-gateway/queue"
)

// SetForwarder installs the external-sink forwarder drained by the
// notification queue. Wired after construction because main builds the sink
// set once the manager exists.
func (m *Manager) SetForwarder(f *dataforwarding.Forwarder) {
	m.forwarder.Store(f)
}

func (m *Manager) getForwarder() *dataforwarding.Forwarder {
	f, _ := m.forwarder.Load().(*dataforwarding.Forwarder)
	return f
}

// ConfigureSinks replaces the external sink set, creating the forwarder on
// first use.
func (m *Manager) ConfigureSinks(configs []dataforwarding.SinkConfig) {
	if f := m.getForwarder(); f != nil {
		f.Configure(configs)
		return
	}
	m.SetForwarder(dataforwarding.NewForwarder(configs))
}

// SinkCount reports how many external sinks are active.
func (m *Manager) SinkCount() int {
	if f := m.getForwarder(); f != nil {
		return f.SinkCount()
	}
	return 0
}

// registerQueueHandlers binds the four queues to the engine's collaborators.
// Handlers are pure functions of the job payload.
func (m *Manager) registerQueueHandlers() {
	m.queue.Register(queue.VariableWrite, m.handleWriteJob)
	m.queue.Register(queue.Persistence, m.handlePersistenceJob)
	m.queue.Register(queue.Discovery, m.handleDiscoveryJob)
	m.queue.Register(queue.Notification, m.handleNotificationJob)
}

// handleWriteJob applies a write to the PLC. The job is acknowledged only
// after the session reports success; protocol errors are permanent, only
// connectivity failures retry.
func (m *Manager) handleWriteJob(ctx context.Context, job *queue.Job) error {
	variableID, _ := job.Payload["variableId"].(string)
	value := job.Payload["value"]

	err := m.WriteVariable(ctx, variableID, value)
	if err == nil {
		return nil
	}
	if adsErr, ok := err.(*ads.AdsError); ok && !adsErr.Fatal() {
		return queue.Permanent(err) // bad symbol / decode mismatch: retrying cannot help
	}
	return err
}

// handlePersistenceJob appends one sample or a coalesced batch.
func (m *Manager) handlePersistenceJob(ctx context.Context, job *queue.Job) error {
	payloads := job.Batch
	if len(payloads) == 0 {
		payloads = []map[string]interface{}{job.Payload}
	}

	entries := make([]dataforwarding.HistoryEntry, 0, len(payloads))
	for _, p := range payloads {
		entries = append(entries, dataforwarding.HistoryEntry{
			VariableID:   str(p["variableId"]),
			VariableName: str(p["variableName"]),
			Value:        p["value"],
			Timestamp:    i64(p["timestamp"]),
			Quality:      str(p["quality"]),
		})
	}
	m.store.AppendHistoryBatch(entries)
	return nil
}

// handleDiscoveryJob runs an enumeration for a connection.
func (m *Manager) handleDiscoveryJob(ctx context.Context, job *queue.Job) error {
	connectionID, _ := job.Payload["connectionId"].(string)
	return m.TriggerDiscovery(connectionID)
}

// handleNotificationJob fans a sample out to the configured external sinks.
func (m *Manager) handleNotificationJob(ctx context.Context, job *queue.Job) error {
	f := m.getForwarder()
	if f == nil || f.SinkCount() == 0 {
		return nil
	}

	return f.Forward(dataforwarding.Sample{
		ConnectionID: str(job.Payload["connectionId"]),
		VariableID:   str(job.Payload["variableId"]),
		VariableName: str(job.Payload["variableName"]),
		Topic:        str(job.Payload["topic"]),
		Value:        job.Payload["value"],
		Timestamp:    i64(job.Payload["timestamp"]),
		Quality:      str(job.Payload["quality"]),
	})
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

// i64 tolerates the integer renderings a payload picks up across the
// msgpack round trip through the durable mirror.
func i64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
