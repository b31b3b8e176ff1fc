package fanout

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	dataforwarding "ads-gateway/data-forwarding"
	"ads-gateway/events"
	"ads-gateway/logic"
	"ads-gateway/queue"
)

// clientMessage is the envelope of everything a WebSocket client sends.
type clientMessage struct {
	Type       string      `json:"type"`
	ID         string      `json:"id,omitempty"`    // room target: connection/variable id
	Topic      string      `json:"topic,omitempty"` // room target: topic
	VariableID string      `json:"variableId,omitempty"`
	Value      interface{} `json:"value,omitempty"`
	Start      int64       `json:"start,omitempty"`
	End        int64       `json:"end,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	Actor      string      `json:"actor,omitempty"`
}

// handleClientMessage dispatches one inbound frame.
func (h *Hub) handleClientMessage(c *Client, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueue(mustJSON(map[string]interface{}{"type": "error", "error": "malformed message"}), h)
		return
	}

	switch msg.Type {
	case "subscribe:connection":
		h.joinRoom(c, "connection:"+msg.ID)
	case "subscribe:variable":
		h.joinRoom(c, "variable:"+msg.ID)
	case "subscribe:topic":
		h.joinRoom(c, "topic:"+msg.Topic)
	case "subscribe:system":
		h.joinRoom(c, "system")
	case "unsubscribe:connection":
		h.leaveRoom(c, "connection:"+msg.ID)
	case "unsubscribe:variable":
		h.leaveRoom(c, "variable:"+msg.ID)
	case "unsubscribe:topic":
		h.leaveRoom(c, "topic:"+msg.Topic)
	case "unsubscribe:system":
		h.leaveRoom(c, "system")
	case "variable:write":
		h.handleWriteRequest(c, msg)
	case "variable:history":
		h.handleHistoryRequest(c, msg)
	default:
		c.enqueue(mustJSON(map[string]interface{}{"type": "error", "error": "unknown message type " + msg.Type}), h)
	}
}

// handleWriteRequest translates the frame into a variable-write job tagged
// with source "websocket". The ack is sent once the queue reports the PLC
// accepted the write.
func (h *Hub) handleWriteRequest(c *Client, msg clientMessage) {
	actor := logic.Actor{Name: msg.Actor, Address: c.addr}
	if actor.Name == "" {
		actor.Name = "websocket"
	}

	jobID, err := h.engine.WriteVariable(actor, msg.VariableID, msg.Value, "websocket")
	if err != nil {
		c.enqueue(mustJSON(map[string]interface{}{
			"type":       "variable:write:error",
			"variableId": msg.VariableID,
			"error":      err.Error(),
		}), h)
		return
	}

	h.mu.Lock()
	h.pendingWrites[jobID] = c
	h.mu.Unlock()

	// the job id doubles as the correlation id of the eventual ack
	c.enqueue(mustJSON(map[string]interface{}{
		"type":       "variable:write:queued",
		"variableId": msg.VariableID,
		"jobId":      jobID,
	}), h)
}

func (h *Hub) handleHistoryRequest(c *Client, msg clientMessage) {
	entries, err := h.engine.ReadHistory(msg.VariableID, msg.Start, msg.End, msg.Limit)
	if err != nil {
		c.enqueue(mustJSON(map[string]interface{}{
			"type":       "error",
			"variableId": msg.VariableID,
			"error":      err.Error(),
		}), h)
		return
	}
	c.enqueue(mustJSON(map[string]interface{}{
		"type":       "variable:history",
		"variableId": msg.VariableID,
		"entries":    entries,
	}), h)
}

// attachBridge subscribes the hub to the engine events it fans out.
func (h *Hub) attachBridge() {
	h.bus.Subscribe("variable.changed", func(e events.Event) {
		vc, ok := e.Payload.(logic.VariableChanged)
		if !ok {
			return
		}
		h.publishVariable(vc)

		push := map[string]interface{}{
			"type":       "variable:changed",
			"variableId": vc.VariableID,
			"name":       vc.VariableName,
			"value":      vc.Value,
			"timestamp":  vc.Timestamp,
			"quality":    vc.Quality,
		}
		h.broadcastRoom("variable:"+vc.VariableID, push)
		h.broadcastRoom("connection:"+vc.ConnectionID, push)
		h.broadcastRoom("topic:"+vc.Topic, push)
	})

	h.bus.Subscribe("variable.error", func(e events.Event) {
		ve, ok := e.Payload.(logic.VariableError)
		if !ok {
			return
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"error":     ve.Error,
			"timestamp": ve.Timestamp,
		})
		if err := h.publisher.Publish("variables/"+ve.VariableID+"/error", payload, false, 0); err != nil {
			logrus.Warnf("FAN: publish error topic: %v", err)
		}

		push := map[string]interface{}{
			"type":       "variable:error",
			"variableId": ve.VariableID,
			"error":      ve.Error,
			"timestamp":  ve.Timestamp,
		}
		h.broadcastRoom("variable:"+ve.VariableID, push)
		h.broadcastRoom("connection:"+ve.ConnectionID, push)
	})

	h.bus.Subscribe("connection.*", func(e events.Event) {
		ce, ok := e.Payload.(logic.ConnectionEvent)
		if !ok {
			return
		}
		kind := map[string]string{
			"connection.established": "connection:established",
			"connection.lost":        "connection:lost",
			"connection.error":       "connection:error",
		}[e.Name]
		if kind == "" {
			return
		}
		h.broadcastRoom("connection:"+ce.ConnectionID, map[string]interface{}{
			"type":         kind,
			"connectionId": ce.ConnectionID,
			"name":         ce.Name,
			"error":        ce.Error,
		})
	})

	h.bus.Subscribe("discovery.symbols", func(e events.Event) {
		sd, ok := e.Payload.(logic.SymbolsDiscovered)
		if !ok {
			return
		}
		h.broadcastRoom("connection:"+sd.ConnectionID, map[string]interface{}{
			"type":         "symbols:discovered",
			"connectionId": sd.ConnectionID,
			"symbols":      sd.Symbols,
		})
	})

	h.bus.Subscribe("discovery.online_change", func(e events.Event) {
		payload, ok := e.Payload.(map[string]interface{})
		if !ok {
			return
		}
		msg := map[string]interface{}{"type": "online-change"}
		for k, v := range payload {
			msg[k] = v
		}
		if id, ok := payload["connectionId"].(string); ok {
			h.broadcastRoom("connection:"+id, msg)
		}
	})

	h.bus.Subscribe("system.error", func(e events.Event) {
		h.broadcastAll(map[string]interface{}{"type": "system:error", "detail": e.Payload})
	})
	h.bus.Subscribe("system.warning", func(e events.Event) {
		h.broadcastAll(map[string]interface{}{"type": "system:warning", "detail": e.Payload})
	})

	// the monitor's periodic snapshot feeds the broker/system status page
	h.bus.Subscribe("system.metric", func(e events.Event) {
		m, ok := e.Payload.(dataforwarding.SystemMetric)
		if !ok {
			return
		}
		h.broadcastRoom("system", map[string]interface{}{
			"type":       "system:metric",
			"metricType": m.MetricType,
			"value":      m.Value,
			"timestamp":  m.Timestamp,
		})
	})

	h.bus.Subscribe("queue.job.completed", func(e events.Event) {
		job, ok := e.Payload.(*queue.Job)
		if !ok || job.Queue != queue.VariableWrite {
			return
		}
		h.resolveWrite(job, true, "")
	})
	h.bus.Subscribe("queue.job.failed", func(e events.Event) {
		job, ok := e.Payload.(*queue.Job)
		if !ok || job.Queue != queue.VariableWrite {
			return
		}
		h.resolveWrite(job, false, job.LastError)
	})
}

// publishVariable emits the retained value message on the variable's topic.
func (h *Hub) publishVariable(vc logic.VariableChanged) {
	start := time.Now()

	payload, err := json.Marshal(map[string]interface{}{
		"value":     vc.Value,
		"timestamp": vc.Timestamp,
		"quality":   vc.Quality,
	})
	if err != nil {
		return
	}

	topic := vc.Topic
	if topic == "" {
		topic = "variables/" + vc.VariableID + "/value"
	}
	if err := h.publisher.Publish(topic, payload, true, 0); err != nil {
		logrus.Warnf("FAN: publish %s: %v", topic, err)
		return
	}

	h.bus.Emit("performance.metric", events.PerfSample{
		Operation:  "fanout.publish",
		DurationNs: time.Since(start).Nanoseconds(),
		Timestamp:  time.Now(),
	})
}

// resolveWrite delivers the ack (or error) for a pending websocket write.
func (h *Hub) resolveWrite(job *queue.Job, ok bool, errText string) {
	h.mu.Lock()
	c, waiting := h.pendingWrites[job.ID]
	delete(h.pendingWrites, job.ID)
	h.mu.Unlock()
	if !waiting {
		return
	}

	variableID, _ := job.Payload["variableId"].(string)
	if ok {
		c.enqueue(mustJSON(map[string]interface{}{
			"type":       "variable:write:ack",
			"jobId":      job.ID,
			"variableId": variableID,
			"value":      job.Payload["value"],
		}), h)
		return
	}
	c.enqueue(mustJSON(map[string]interface{}{
		"type":       "variable:write:error",
		"jobId":      job.ID,
		"variableId": variableID,
		"error":      errText,
	}), h)
}

func mustJSON(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","error":"encode failure"}`)
	}
	return raw
}
