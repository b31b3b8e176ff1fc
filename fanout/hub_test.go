package fanout

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ads-gateway/buffer"
	dataforwarding "ads-gateway/data-forwarding"
	"ads-gateway/events"
	"ads-gateway/logic"
	"ads-gateway/queue"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
}

type published struct {
	topic   string
	payload []byte
	retain  bool
}

func (p *fakePublisher) Publish(topic string, payload []byte, retain bool, qos byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic, payload, retain})
	return nil
}

func (p *fakePublisher) last() (published, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return published{}, false
	}
	return p.messages[len(p.messages)-1], true
}

type fakeEngine struct {
	jobID    string
	writeErr error
	history  []buffer.Entry
}

func (e *fakeEngine) WriteVariable(actor logic.Actor, variableID string, value interface{}, source string) (string, error) {
	return e.jobID, e.writeErr
}

func (e *fakeEngine) ReadHistory(variableID string, start, end int64, limit int) ([]buffer.Entry, error) {
	return e.history, nil
}

// testClient builds a hub-registered client without a real socket.
func testClient(h *Hub) *Client {
	c := &Client{
		hub:   h,
		send:  make(chan []byte, sendBufferSize),
		rooms: make(map[string]struct{}),
		addr:  "test",
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func drain(c *Client) []map[string]interface{} {
	var out []map[string]interface{}
	for {
		select {
		case raw := <-c.send:
			var m map[string]interface{}
			json.Unmarshal(raw, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestVariableChangedPublishesRetained(t *testing.T) {
	bus := events.NewBus(false)
	pub := &fakePublisher{}
	NewHub(bus, pub, &fakeEngine{})

	bus.Emit("variable.changed", logic.VariableChanged{
		ConnectionID: "c1",
		VariableID:   "v1",
		Topic:        "variables/v1/value",
		Value:        23.5,
		Timestamp:    1000,
		Quality:      "good",
	})

	msg, ok := pub.last()
	require.True(t, ok)
	assert.Equal(t, "variables/v1/value", msg.topic)
	assert.True(t, msg.retain)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.payload, &payload))
	assert.InDelta(t, 23.5, payload["value"].(float64), 1e-6)
	assert.Equal(t, "good", payload["quality"])
}

func TestVariableErrorNotRetained(t *testing.T) {
	bus := events.NewBus(false)
	pub := &fakePublisher{}
	NewHub(bus, pub, &fakeEngine{})

	bus.Emit("variable.error", logic.VariableError{
		ConnectionID: "c1", VariableID: "v1", Error: "decode mismatch", Timestamp: 1000,
	})

	msg, ok := pub.last()
	require.True(t, ok)
	assert.Equal(t, "variables/v1/error", msg.topic)
	assert.False(t, msg.retain)
}

func TestRoomBroadcast(t *testing.T) {
	bus := events.NewBus(false)
	h := NewHub(bus, &fakePublisher{}, &fakeEngine{})

	subscribed := testClient(h)
	other := testClient(h)
	h.joinRoom(subscribed, "variable:v1")

	bus.Emit("variable.changed", logic.VariableChanged{
		ConnectionID: "c1", VariableID: "v1", Topic: "t", Value: 1.0, Quality: "good",
	})

	got := drain(subscribed)
	require.NotEmpty(t, got)
	assert.Equal(t, "variable:changed", got[0]["type"])
	assert.Empty(t, drain(other))
}

func TestSubscribeUnsubscribeMessages(t *testing.T) {
	bus := events.NewBus(false)
	h := NewHub(bus, &fakePublisher{}, &fakeEngine{})
	c := testClient(h)

	h.handleClientMessage(c, []byte(`{"type":"subscribe:variable","id":"v1"}`))
	_, in := c.rooms["variable:v1"]
	assert.True(t, in)

	h.handleClientMessage(c, []byte(`{"type":"unsubscribe:variable","id":"v1"}`))
	_, in = c.rooms["variable:v1"]
	assert.False(t, in)
}

func TestWriteAckAfterJobCompletion(t *testing.T) {
	bus := events.NewBus(false)
	h := NewHub(bus, &fakePublisher{}, &fakeEngine{jobID: "job-1"})
	c := testClient(h)

	h.handleClientMessage(c, []byte(`{"type":"variable:write","variableId":"v1","value":42}`))

	queued := drain(c)
	require.Len(t, queued, 1)
	assert.Equal(t, "variable:write:queued", queued[0]["type"])
	assert.Equal(t, "job-1", queued[0]["jobId"])

	// no ack until the queue reports success
	bus.Emit("queue.job.completed", &queue.Job{
		ID:    "job-1",
		Queue: queue.VariableWrite,
		Payload: map[string]interface{}{
			"variableId": "v1",
			"value":      42.0,
		},
	})

	acks := drain(c)
	require.Len(t, acks, 1)
	assert.Equal(t, "variable:write:ack", acks[0]["type"])
	assert.Equal(t, "job-1", acks[0]["jobId"])
}

func TestWriteErrorOnJobFailure(t *testing.T) {
	bus := events.NewBus(false)
	h := NewHub(bus, &fakePublisher{}, &fakeEngine{jobID: "job-2"})
	c := testClient(h)

	h.handleClientMessage(c, []byte(`{"type":"variable:write","variableId":"v1","value":42}`))
	drain(c)

	bus.Emit("queue.job.failed", &queue.Job{
		ID:        "job-2",
		Queue:     queue.VariableWrite,
		LastError: "plc rejected",
		Payload:   map[string]interface{}{"variableId": "v1"},
	})

	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, "variable:write:error", got[0]["type"])
	assert.Equal(t, "plc rejected", got[0]["error"])
}

func TestHistoryRequest(t *testing.T) {
	bus := events.NewBus(false)
	engine := &fakeEngine{history: []buffer.Entry{{Timestamp: 2, Value: 2.0, Quality: "good"}}}
	h := NewHub(bus, &fakePublisher{}, engine)
	c := testClient(h)

	h.handleClientMessage(c, []byte(`{"type":"variable:history","variableId":"v1","limit":10}`))

	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, "variable:history", got[0]["type"])
	entries := got[0]["entries"].([]interface{})
	assert.Len(t, entries, 1)
}

func TestSlowClientDropsOldest(t *testing.T) {
	bus := events.NewBus(false)
	h := NewHub(bus, &fakePublisher{}, &fakeEngine{})
	c := testClient(h)

	// fill the buffer and push one more
	for i := 0; i < sendBufferSize+5; i++ {
		c.enqueue([]byte(`{"n":1}`), h)
	}

	assert.Equal(t, uint64(5), h.Drops())
	assert.Len(t, c.send, sendBufferSize)
}

func TestSystemRoomReceivesMetricSnapshots(t *testing.T) {
	bus := events.NewBus(false)
	h := NewHub(bus, &fakePublisher{}, &fakeEngine{})

	member := testClient(h)
	outsider := testClient(h)
	h.handleClientMessage(member, []byte(`{"type":"subscribe:system"}`))

	bus.Emit("system.metric", dataforwarding.SystemMetric{
		Timestamp:  1000,
		MetricType: "mqtt_clients",
		Value:      3,
	})

	got := drain(member)
	require.Len(t, got, 1)
	assert.Equal(t, "system:metric", got[0]["type"])
	assert.Equal(t, "mqtt_clients", got[0]["metricType"])
	assert.Empty(t, drain(outsider))

	h.handleClientMessage(member, []byte(`{"type":"unsubscribe:system"}`))
	bus.Emit("system.metric", dataforwarding.SystemMetric{MetricType: "cpu", Value: 1})
	assert.Empty(t, drain(member))
}

func TestMalformedMessage(t *testing.T) {
	bus := events.NewBus(false)
	h := NewHub(bus, &fakePublisher{}, &fakeEngine{})
	c := testClient(h)

	h.handleClientMessage(c, []byte(`{nope`))
	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0]["type"])
}
