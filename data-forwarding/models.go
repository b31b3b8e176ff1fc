package dataforwarding

// HistoryEntry is one persisted variable sample.
type HistoryEntry struct {
	VariableID   string      `json:"variableId"`
	VariableName string      `json:"variableName"`
	Value        interface{} `json:"value"`
	Timestamp    int64       `json:"timestamp"` // unix milliseconds
	Quality      string      `json:"quality"`
}

// HistoryStats aggregates the persisted samples of one variable.
type HistoryStats struct {
	Count           int64       `json:"count"`
	NumericCount    int64       `json:"numericCount"`
	Min             float64     `json:"min"`
	Max             float64     `json:"max"`
	Avg             float64     `json:"avg"`
	Latest          interface{} `json:"latest"`
	LatestTimestamp int64       `json:"latestTimestamp"`
}

// SystemMetric is one row of the system_metrics table. MetricType is one of
// cpu, memory, mqtt_clients, mqtt_messages, ads_errors, api_requests.
type SystemMetric struct {
	Timestamp  int64   `json:"timestamp"`
	MetricType string  `json:"metricType"`
	Value      float64 `json:"value"`
	Metadata   string  `json:"metadata,omitempty"`
}

// AuditRecord mirrors the audit table.
type AuditRecord struct {
	ID           string `json:"id"`
	Timestamp    int64  `json:"timestamp"`
	Action       string `json:"action"`
	VariableID   string `json:"variableId,omitempty"`
	VariableName string `json:"variableName,omitempty"`
	Actor        string `json:"actor"`
	ActorAddress string `json:"actorAddress,omitempty"`
	OldValue     string `json:"oldValue,omitempty"`
	NewValue     string `json:"newValue,omitempty"`
	Details      string `json:"details,omitempty"`
	Status       string `json:"status"` // success | failed
}

// AuditStats summarizes the audit trail.
type AuditStats struct {
	Total     int64            `json:"total"`
	Succeeded int64            `json:"succeeded"`
	Failed    int64            `json:"failed"`
	ByAction  map[string]int64 `json:"byAction"`
}

// StoredConnection is the persisted shape of a configured PLC endpoint; the
// discovery configuration travels as a JSON blob so schema changes stay
// additive.
type StoredConnection struct {
	ID              string
	Name            string
	Host            string
	Port            int
	TargetAddress   string
	TargetPort      int
	SourcePort      int
	Enabled         bool
	DiscoveryConfig string
}

// StoredVariable is the persisted shape of a variable subscription.
type StoredVariable struct {
	ID              string
	ConnectionID    string
	Name            string
	Path            string
	Type            string
	SamplePeriodMs  int64
	UseNotification bool
	Topic           string
}

// Sample is the payload forwarded to external sinks by the notification
// queue.
type Sample struct {
	ConnectionID string      `json:"connectionId"`
	VariableID   string      `json:"variableId"`
	VariableName string      `json:"variableName"`
	Topic        string      `json:"topic"`
	Value        interface{} `json:"value"`
	Timestamp    int64       `json:"timestamp"`
	Quality      string      `json:"quality"`
}
