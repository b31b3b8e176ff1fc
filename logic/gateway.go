package logic

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ads-gateway/buffer"
	"ads-gateway/cache"
	"ads-gateway/config"
	dataforwarding "ads-gateway/data-forwarding"
	ads "ads-gateway/driver/ads"
	"ads-gateway/events"
	"ads-gateway/monitor"
	"ads-gateway/queue"
)

// Actor identifies the caller of a mutating operation; it is an opaque
// pass-through echoed into audit records.
type Actor struct {
	Name    string
	Address string
}

// BrokerControl is the slice of the embedded broker the facade drives.
type BrokerControl interface {
	Restart() error
	ClientCount() int
	MessageCount() int64
	SubscriptionCount() int
}

// Gateway is the narrow, thread-safe facade the REST/WebSocket collaborators
// call into. Mutations return only after the change is visible to
// subsequent reads.
type Gateway struct {
	Manager *Manager
	Bus     *events.Bus
	Cache   *cache.Cache
	Store   *dataforwarding.Store
	Queue   *queue.Manager
	Buffers *buffer.VariableBuffer
	Monitor *monitor.Monitor
	Broker  BrokerControl
	Cfg     *config.Config

	apiRequests atomic.Uint64
}

// CountAPIRequest is called by the transport middleware for the
// api_requests metric.
func (g *Gateway) CountAPIRequest() { g.apiRequests.Add(1) }

// APIRequestCount reports the accumulated request counter.
func (g *Gateway) APIRequestCount() uint64 { return g.apiRequests.Load() }

// --- Connections ---

func (g *Gateway) ListConnections() []*Connection { return g.Manager.Connections() }

func (g *Gateway) GetConnection(id string) (*Connection, bool) { return g.Manager.Connection(id) }

func (g *Gateway) CreateConnection(actor Actor, conn *Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.Port == 0 {
		conn.Port = g.Cfg.ADSPort
	}
	if conn.TargetPort == 0 {
		conn.TargetPort = g.Cfg.ADSTargetPort
	}
	if conn.SourcePort == 0 {
		conn.SourcePort = g.Cfg.ADSSourcePort
	}

	err := g.Manager.AddConnection(conn)
	g.audit(actor, "connection.create", "", "", "", conn.Name, err)
	return err
}

func (g *Gateway) UpdateConnection(actor Actor, id string, delta *Connection) error {
	err := g.Manager.UpdateConnection(id, delta)
	g.audit(actor, "connection.update", "", "", "", delta.Name, err)
	return err
}

func (g *Gateway) DeleteConnection(actor Actor, id string) error {
	err := g.Manager.RemoveConnection(id)
	g.audit(actor, "connection.delete", "", "", id, "", err)
	return err
}

func (g *Gateway) ConnectConnection(actor Actor, id string) error {
	err := g.Manager.Connect(id)
	g.audit(actor, "connection.connect", "", "", "", id, err)
	return err
}

func (g *Gateway) DisconnectConnection(actor Actor, id string) error {
	err := g.Manager.Disconnect(id)
	g.audit(actor, "connection.disconnect", "", "", "", id, err)
	return err
}

func (g *Gateway) ConnectionStatus(id string) (ConnectionStatus, error) { return g.Manager.Status(id) }

func (g *Gateway) ConnectionStatuses() []ConnectionStatus { return g.Manager.Statuses() }

func (g *Gateway) ListVariablesFor(connectionID string) []*Variable {
	return g.Manager.VariablesFor(connectionID)
}

func (g *Gateway) ListSymbols(ctx context.Context, connectionID string) ([]ads.Symbol, error) {
	return g.Manager.Symbols(ctx, connectionID)
}

// TriggerDiscovery enqueues an on-demand enumeration and returns the job id.
func (g *Gateway) TriggerDiscovery(actor Actor, connectionID string) (string, error) {
	jobID, err := g.Queue.Enqueue(context.Background(), queue.Discovery, map[string]interface{}{
		"connectionId": connectionID,
	})
	g.audit(actor, "discovery.trigger", "", "", "", connectionID, err)
	return jobID, err
}

func (g *Gateway) SetDiscoveryConfig(actor Actor, connectionID string, cfg ads.DiscoveryConfig) error {
	err := g.Manager.SetDiscoveryConfig(connectionID, cfg)
	g.audit(actor, "discovery.configure", "", "", "", connectionID, err)
	return err
}

// --- Variables ---

func (g *Gateway) ListVariables() []*Variable { return g.Manager.Variables() }

func (g *Gateway) GetVariable(id string) (*Variable, bool) { return g.Manager.Variable(id) }

func (g *Gateway) CreateVariable(actor Actor, connectionID string, v *Variable) error {
	err := g.Manager.AddVariable(connectionID, v)
	g.audit(actor, "variable.create", v.ID, v.Name, "", v.Path, err)
	return err
}

func (g *Gateway) DeleteVariable(actor Actor, id string) error {
	name := ""
	if v, ok := g.Manager.Variable(id); ok {
		name = v.Name
	}
	err := g.Manager.RemoveVariable(id)
	g.audit(actor, "variable.delete", id, name, "", "", err)
	return err
}

// WriteVariable enqueues the write and returns the correlation id. All
// writes take the queue path to preserve ordering; the acknowledgement
// arrives as a queue.job.completed event.
func (g *Gateway) WriteVariable(actor Actor, variableID string, value interface{}, source string) (string, error) {
	v, ok := g.Manager.Variable(variableID)
	if !ok {
		return "", fmt.Errorf("variable %s not found", variableID)
	}
	if _, err := ads.Encode(value, v.Type); err != nil {
		// configuration-class error, rejected synchronously
		g.audit(actor, "variable.write", v.ID, v.Name, fmt.Sprintf("%v", v.LastValue), fmt.Sprintf("%v", value), err)
		return "", err
	}

	jobID, err := g.Queue.Enqueue(context.Background(), queue.VariableWrite, map[string]interface{}{
		"variableId": variableID,
		"value":      value,
		"source":     source,
		"actor":      actor.Name,
	})
	g.audit(actor, "variable.write", v.ID, v.Name, fmt.Sprintf("%v", v.LastValue), fmt.Sprintf("%v", value), err)
	return jobID, err
}

// ReadHistory serves from the ring buffer when it covers the request and
// falls back to the persistence store otherwise.
func (g *Gateway) ReadHistory(variableID string, start, end int64, limit int) ([]buffer.Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	if ring, ok := g.Buffers.Ring(variableID); ok && !ring.IsEmpty() {
		if oldest, has := ring.Oldest(); has && (start == 0 || oldest.Timestamp <= start) {
			var entries []buffer.Entry
			if start == 0 && end == 0 {
				entries = ring.LastN(limit)
			} else {
				e := end
				if e == 0 {
					e = time.Now().UnixMilli()
				}
				entries = ring.Range(start, e)
			}
			// newest first, like the store
			out := make([]buffer.Entry, 0, limit)
			for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
				out = append(out, entries[i])
			}
			return out, nil
		}
	}

	rows, err := g.Store.QueryHistory(variableID, start, end, limit)
	if err != nil {
		return nil, err
	}
	out := make([]buffer.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, buffer.Entry{Timestamp: r.Timestamp, Value: r.Value, Quality: r.Quality})
	}
	return out, nil
}

// ReadStatistics aggregates over the persisted samples.
func (g *Gateway) ReadStatistics(variableID string) (dataforwarding.HistoryStats, error) {
	return g.Store.Statistics(variableID)
}

// --- Monitoring ---

// Summary is the monitoring overview of the whole engine.
func (g *Gateway) Summary() map[string]interface{} {
	summary := map[string]interface{}{
		"connections": g.Manager.Statuses(),
		"variables":   len(g.Manager.Variables()),
		"buffer":      g.Buffers.Summary(),
		"cache":       g.Cache.Stats(),
		"queues":      g.Queue.Stats(),
		"operations":  g.Monitor.Top(10),
		"adsErrors":   g.Manager.AdsErrorCount(),
		"sinks":       g.Manager.SinkCount(),
	}
	if g.Broker != nil {
		summary["broker"] = map[string]interface{}{
			"clients":       g.Broker.ClientCount(),
			"messages":      g.Broker.MessageCount(),
			"subscriptions": g.Broker.SubscriptionCount(),
		}
	}
	return summary
}

// Health is the liveness view: degraded when no enabled connection is up.
func (g *Gateway) Health() map[string]interface{} {
	statuses := g.Manager.Statuses()
	connected := 0
	for _, s := range statuses {
		if s.Connected {
			connected++
		}
	}
	state := "ok"
	if len(statuses) > 0 && connected == 0 {
		state = "degraded"
	}
	return map[string]interface{}{
		"status":      state,
		"connections": len(statuses),
		"connected":   connected,
		"queue":       g.Queue.Health(),
		"timestamp":   time.Now().UnixMilli(),
	}
}

func (g *Gateway) MetricHistory(metricType string, since int64, limit int) ([]dataforwarding.SystemMetric, error) {
	return g.Store.QueryMetrics(metricType, since, limit)
}

// --- Audit ---

func (g *Gateway) AuditList(limit int) ([]dataforwarding.AuditRecord, error) {
	return g.Store.QueryAudit("", "", limit)
}

func (g *Gateway) AuditByVariable(variableID string, limit int) ([]dataforwarding.AuditRecord, error) {
	return g.Store.QueryAudit(variableID, "", limit)
}

func (g *Gateway) AuditByActor(actor string, limit int) ([]dataforwarding.AuditRecord, error) {
	return g.Store.QueryAudit("", actor, limit)
}

func (g *Gateway) AuditStats() (dataforwarding.AuditStats, error) {
	return g.Store.QueryAuditStats()
}

// --- Sinks / Broker ---

// ConfigureSinks replaces the external forwarding sink set drained by the
// notification queue.
func (g *Gateway) ConfigureSinks(actor Actor, configs []dataforwarding.SinkConfig) int {
	g.Manager.ConfigureSinks(configs)
	n := g.Manager.SinkCount()
	g.audit(actor, "sinks.configure", "", "", "", fmt.Sprintf("%d sinks", n), nil)
	return n
}

// SinkCount reports the active external sinks.
func (g *Gateway) SinkCount() int { return g.Manager.SinkCount() }

// RestartBroker bounces the embedded MQTT broker, re-reading its listener
// configuration.
func (g *Gateway) RestartBroker(actor Actor) error {
	var err error
	if g.Broker == nil {
		err = fmt.Errorf("broker not attached")
	} else {
		err = g.Broker.Restart()
	}
	g.audit(actor, "broker.restart", "", "", "", "", err)
	return err
}

// --- Cache / Queue / Buffer ---

func (g *Gateway) CacheStats() cache.Stats { return g.Cache.Stats() }

func (g *Gateway) ClearCache(actor Actor) int {
	n := g.Cache.InvalidatePattern(context.Background(), "variable:*")
	g.audit(actor, "cache.clear", "", "", "", fmt.Sprintf("%d keys", n), nil)
	return n
}

func (g *Gateway) QueueStats() map[string]queue.Stats { return g.Queue.Stats() }

func (g *Gateway) QueueHealth() map[string]interface{} { return g.Queue.Health() }

func (g *Gateway) FailedJobs(queueName string, limit int) []*queue.Job {
	if limit <= 0 {
		limit = 50
	}
	return g.Queue.FailedJobs(queueName, limit)
}

func (g *Gateway) RetryJob(actor Actor, jobID string) error {
	err := g.Queue.Retry(jobID)
	g.audit(actor, "queue.retry", "", "", "", jobID, err)
	return err
}

func (g *Gateway) BufferSummary() buffer.Summary { return g.Buffers.Summary() }

func (g *Gateway) BufferStats(variableID string) (buffer.Stats, bool) {
	return g.Buffers.Stats(variableID)
}

func (g *Gateway) ClearBuffer(actor Actor, variableID string) {
	g.Buffers.Clear(variableID)
	g.audit(actor, "buffer.clear", variableID, "", "", "", nil)
}

// audit records a mutating call; failures to persist the record are logged
// here, never surfaced to the caller.
func (g *Gateway) audit(actor Actor, action, variableID, variableName, oldValue, newValue string, opErr error) {
	status := "success"
	details := ""
	if opErr != nil {
		status = "failed"
		details = opErr.Error()
	}
	rec := dataforwarding.AuditRecord{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UnixMilli(),
		Action:       action,
		VariableID:   variableID,
		VariableName: variableName,
		Actor:        actor.Name,
		ActorAddress: actor.Address,
		OldValue:     oldValue,
		NewValue:     newValue,
		Details:      details,
		Status:       status,
	}
	if err := g.Store.AppendAudit(rec); err != nil {
		logrus.Warnf("GW: audit write failed: %v", err)
	}
}
