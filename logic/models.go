// Package logic holds the connection manager and the gateway facade: the
// lifecycle of all PLC sessions, the variable table and the narrow API the
// REST/WebSocket surface calls into.
package logic

import (
	"encoding/json"
	"time"

	ads "ads-gateway/driver/ads"
	dataforwarding "ads-gateway/data-forwarding"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateError        = "error"
)

// Connection is a configured PLC endpoint.
type Connection struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Host          string               `json:"host"`
	Port          int                  `json:"port"`
	TargetAddress string               `json:"targetAddress"`
	TargetPort    int                  `json:"targetPort"`
	SourcePort    int                  `json:"sourcePort"`
	Enabled       bool                 `json:"enabled"`
	Discovery     *ads.DiscoveryConfig `json:"discoveryConfig,omitempty"`
}

// Variable is a subscription to one PLC symbol. Instances in the variable
// table are immutable; updates swap a fresh copy.
type Variable struct {
	ID               string        `json:"id"`
	ConnectionID     string        `json:"connectionId"`
	Name             string        `json:"name"`
	Path             string        `json:"path"`
	Type             ads.DataType  `json:"type"`
	SamplePeriod     time.Duration `json:"samplePeriod"`
	UseNotification  bool          `json:"useNotification"`
	Topic            string        `json:"topic"`
	AutoDiscovered   bool          `json:"autoDiscovered,omitempty"`
	LastValue        interface{}   `json:"lastValue,omitempty"`
	LastTimestamp    int64         `json:"lastTimestamp,omitempty"`
	LastReadDuration time.Duration `json:"lastReadDuration,omitempty"`
	LastError        string        `json:"lastError,omitempty"`
}

// ConnectionStatus is the lifecycle view of one endpoint.
type ConnectionStatus struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	State      string `json:"state"`
	Connected  bool   `json:"connected"`
	Variables  int    `json:"variables"`
	ErrorCount uint64 `json:"errorCount"`
	LastError  string `json:"lastError,omitempty"`
	Discovery  string `json:"discoveryState,omitempty"`
}

// VariableChanged is the payload of "variable.changed" events.
type VariableChanged struct {
	ConnectionID string        `json:"connectionId"`
	VariableID   string        `json:"variableId"`
	VariableName string        `json:"variableName"`
	Topic        string        `json:"topic"`
	Value        interface{}   `json:"value"`
	Timestamp    int64         `json:"timestamp"`
	Quality      string        `json:"quality"`
	ReadDuration time.Duration `json:"-"`
}

// VariableError is the payload of "variable.error" events.
type VariableError struct {
	ConnectionID string `json:"connectionId"`
	VariableID   string `json:"variableId"`
	Path         string `json:"path"`
	Error        string `json:"error"`
	Timestamp    int64  `json:"timestamp"`
}

// ConnectionEvent is the payload of "connection.*" events.
type ConnectionEvent struct {
	ConnectionID string `json:"connectionId"`
	Name         string `json:"name"`
	Error        string `json:"error,omitempty"`
}

// SymbolsDiscovered is the payload of "discovery.symbols" events.
type SymbolsDiscovered struct {
	ConnectionID string       `json:"connectionId"`
	Symbols      []ads.Symbol `json:"symbols"`
}

// VariablesAdded is the payload of "discovery.variables_added" events.
type VariablesAdded struct {
	ConnectionID string      `json:"connectionId"`
	Variables    []*Variable `json:"variables"`
}

// toStored converts a connection for the persistence layer.
func (c *Connection) toStored() dataforwarding.StoredConnection {
	discovery := ""
	if c.Discovery != nil {
		if raw, err := json.Marshal(c.Discovery); err == nil {
			discovery = string(raw)
		}
	}
	return dataforwarding.StoredConnection{
		ID:              c.ID,
		Name:            c.Name,
		Host:            c.Host,
		Port:            c.Port,
		TargetAddress:   c.TargetAddress,
		TargetPort:      c.TargetPort,
		SourcePort:      c.SourcePort,
		Enabled:         c.Enabled,
		DiscoveryConfig: discovery,
	}
}

func connectionFromStored(s dataforwarding.StoredConnection) *Connection {
	c := &Connection{
		ID:            s.ID,
		Name:          s.Name,
		Host:          s.Host,
		Port:          s.Port,
		TargetAddress: s.TargetAddress,
		TargetPort:    s.TargetPort,
		SourcePort:    s.SourcePort,
		Enabled:       s.Enabled,
	}
	if s.DiscoveryConfig != "" {
		var d ads.DiscoveryConfig
		if err := json.Unmarshal([]byte(s.DiscoveryConfig), &d); err == nil {
			c.Discovery = &d
		}
	}
	return c
}

func (v *Variable) toStored() dataforwarding.StoredVariable {
	return dataforwarding.StoredVariable{
		ID:              v.ID,
		ConnectionID:    v.ConnectionID,
		Name:            v.Name,
		Path:            v.Path,
		Type:            string(v.Type),
		SamplePeriodMs:  v.SamplePeriod.Milliseconds(),
		UseNotification: v.UseNotification,
		Topic:           v.Topic,
	}
}

func variableFromStored(s dataforwarding.StoredVariable) *Variable {
	return &Variable{
		ID:              s.ID,
		ConnectionID:    s.ConnectionID,
		Name:            s.Name,
		Path:            s.Path,
		Type:            ads.DataType(s.Type),
		SamplePeriod:    time.Duration(s.SamplePeriodMs) * time.Millisecond,
		UseNotification: s.UseNotification,
		Topic:           s.Topic,
	}
}

// clone returns a copy for the copy-on-write variable table.
func (v *Variable) clone() *Variable {
	dup := *v
	return &dup
}
