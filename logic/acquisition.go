package logic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ads-gateway/buffer"
	ads "ads-gateway/driver/ads"
	"ads-gateway/queue"
)

func newID() string { return uuid.NewString() }

// AddVariable registers a subscription to one PLC symbol and starts
// acquisition when the session is live.
func (m *Manager) AddVariable(connectionID string, v *Variable) error {
	m.mu.RLock()
	mc, ok := m.conns[connectionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not found", connectionID)
	}

	if v.ID == "" {
		v.ID = newID()
	}
	v.ConnectionID = connectionID
	if v.Path == "" {
		return fmt.Errorf("variable needs a symbol path")
	}
	if !ads.KnownType(v.Type) {
		return fmt.Errorf("unknown variable type %q", v.Type)
	}
	if v.Topic == "" {
		v.Topic = "variables/" + v.ID + "/value"
	}
	if m.vars.topicInUse(v.Topic, v.ID) {
		return fmt.Errorf("topic %s is already in use", v.Topic)
	}
	if v.SamplePeriod <= 0 {
		v.SamplePeriod = time.Second
	}
	if _, exists := m.vars.get(v.ID); exists {
		return fmt.Errorf("variable %s already exists", v.ID)
	}

	m.vars.insert(v.clone())
	if err := m.store.SaveVariable(v.toStored()); err != nil {
		return fmt.Errorf("persist variable: %v", err)
	}

	mc.mu.Lock()
	session := mc.session
	var sessionCtx context.Context
	if session != nil && session.Connected() && mc.sessionCancel != nil {
		sessionCtx = m.ctx // acquisition goroutines also watch per-variable cancels
	}
	mc.mu.Unlock()

	if sessionCtx != nil {
		m.startAcquisition(mc, sessionCtx, v)
	}
	return nil
}

// RemoveVariable stops acquisition and drops the variable everywhere.
func (m *Manager) RemoveVariable(variableID string) error {
	v, ok := m.vars.get(variableID)
	if !ok {
		return fmt.Errorf("variable %s not found", variableID)
	}

	m.mu.RLock()
	mc, connOk := m.conns[v.ConnectionID]
	m.mu.RUnlock()

	if connOk {
		mc.mu.Lock()
		if cancel, has := mc.pollers[variableID]; has {
			cancel()
			delete(mc.pollers, variableID)
		}
		var session plcSession
		var handle uint32
		if h, has := mc.varNotif[variableID]; has {
			handle = h
			session = mc.session
			delete(mc.varNotif, variableID)
			delete(mc.notifHandles, h)
		}
		mc.mu.Unlock()

		if session != nil {
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RequestTimeout)
			session.Unsubscribe(ctx, handle)
			cancel()
		}
	}

	m.vars.remove(variableID)
	m.buffers.Remove(variableID)
	m.cache.Delete(m.ctx, "variable:"+variableID)
	return m.store.DeleteVariable(variableID)
}

// Variable returns the current snapshot of one variable.
func (m *Manager) Variable(id string) (*Variable, bool) { return m.vars.get(id) }

// Variables returns the snapshots of all variables.
func (m *Manager) Variables() []*Variable { return m.vars.all() }

// VariablesFor returns the variables of one connection.
func (m *Manager) VariablesFor(connectionID string) []*Variable {
	return m.vars.forConnection(connectionID)
}

// startAcquisition begins either the poll loop or the device notification
// for one variable. The invariant: at any moment a notification handle xor a
// poll timer exists, never both.
func (m *Manager) startAcquisition(mc *managedConnection, sessionCtx context.Context, v *Variable) {
	if v.UseNotification {
		go m.subscribeVariable(mc, sessionCtx, v)
		return
	}

	pollCtx, cancel := context.WithCancel(sessionCtx)
	mc.mu.Lock()
	if _, exists := mc.pollers[v.ID]; exists {
		mc.mu.Unlock()
		cancel()
		return
	}
	mc.pollers[v.ID] = cancel
	mc.mu.Unlock()

	go m.pollLoop(mc, pollCtx, v.ID)
}

// subscribeVariable installs the device notification; on failure it falls
// back to polling so the variable still produces samples.
func (m *Manager) subscribeVariable(mc *managedConnection, sessionCtx context.Context, v *Variable) {
	mc.mu.Lock()
	session := mc.session
	_, already := mc.varNotif[v.ID]
	mc.mu.Unlock()
	if session == nil || already {
		return
	}

	ctx, cancel := context.WithTimeout(sessionCtx, m.cfg.RequestTimeout)
	handle, err := session.Subscribe(ctx, v.Path, v.Type, v.SamplePeriod)
	cancel()
	if err != nil {
		logrus.Warnf("CM: notification for %s failed, falling back to polling: %v", v.Path, err)
		m.recordVariableError(v.ID, err)

		pollCtx, pollCancel := context.WithCancel(sessionCtx)
		mc.mu.Lock()
		mc.pollers[v.ID] = pollCancel
		mc.mu.Unlock()
		go m.pollLoop(mc, pollCtx, v.ID)
		return
	}

	mc.mu.Lock()
	mc.notifHandles[handle] = v.ID
	mc.varNotif[v.ID] = handle
	mc.mu.Unlock()
}

// pollLoop reads the symbol every sample period. The variable's mutable
// fields are sampled into a local snapshot before each suspending call.
func (m *Manager) pollLoop(mc *managedConnection, ctx context.Context, variableID string) {
	v, ok := m.vars.get(variableID)
	if !ok {
		return
	}

	ticker := time.NewTicker(v.SamplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snapshot, ok := m.vars.get(variableID)
		if !ok {
			return
		}

		mc.mu.Lock()
		session := mc.session
		mc.mu.Unlock()
		if session == nil || !session.Connected() {
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
		start := time.Now()
		value, err := session.ReadSymbol(readCtx, snapshot.Path, snapshot.Type)
		elapsed := time.Since(start)
		cancel()

		if err != nil {
			m.handleReadError(mc, snapshot, err)
			continue
		}
		m.handleSample(mc.cfg.ID, snapshot, value, buffer.QualityGood, time.Now().UnixMilli(), elapsed)
	}
}

// handleNotification maps the device callback back to its variable.
func (m *Manager) handleNotification(mc *managedConnection, s ads.NotificationSample) {
	mc.mu.Lock()
	variableID, ok := mc.notifHandles[s.Handle]
	connID := mc.cfg.ID
	mc.mu.Unlock()
	if !ok {
		return
	}

	v, ok := m.vars.get(variableID)
	if !ok {
		return
	}

	if s.Err != nil {
		// decode failure: quality bad, the error is observable on the variable
		m.recordVariableError(variableID, s.Err)
		m.buffers.PushAt(variableID, s.Timestamp.UnixMilli(), nil, buffer.QualityBad)
		m.bus.Emit("variable.error", VariableError{
			ConnectionID: connID,
			VariableID:   variableID,
			Path:         v.Path,
			Error:        s.Err.Error(),
			Timestamp:    time.Now().UnixMilli(),
		})
		return
	}

	m.handleSample(connID, v, s.Value, buffer.QualityGood, s.Timestamp.UnixMilli(), 0)
}

// handleSample is the single funnel for every acquired value: variable
// snapshot, ring buffer, cache, persistence job, event bus — in that order.
func (m *Manager) handleSample(connID string, v *Variable, value interface{}, quality string, ts int64, readDuration time.Duration) {
	m.vars.update(v.ID, func(next *Variable) {
		next.LastValue = value
		next.LastTimestamp = ts
		next.LastReadDuration = readDuration
		next.LastError = ""
	})

	m.buffers.PushAt(v.ID, ts, value, quality)

	m.cache.Set(m.ctx, "variable:"+v.ID, map[string]interface{}{
		"value":     value,
		"timestamp": ts,
		"quality":   quality,
	}, cacheTTL)

	if _, err := m.queue.Enqueue(m.ctx, queue.Persistence, map[string]interface{}{
		"variableId":   v.ID,
		"variableName": v.Name,
		"value":        value,
		"timestamp":    ts,
		"quality":      quality,
	}); err != nil {
		logrus.Debugf("CM: persistence enqueue: %v", err)
	}

	if _, err := m.queue.Enqueue(m.ctx, queue.Notification, map[string]interface{}{
		"connectionId": connID,
		"variableId":   v.ID,
		"variableName": v.Name,
		"topic":        v.Topic,
		"value":        value,
		"timestamp":    ts,
		"quality":      quality,
	}); err != nil {
		logrus.Debugf("CM: notification enqueue: %v", err)
	}

	m.bus.Emit("variable.changed", VariableChanged{
		ConnectionID: connID,
		VariableID:   v.ID,
		VariableName: v.Name,
		Topic:        v.Topic,
		Value:        value,
		Timestamp:    ts,
		Quality:      quality,
		ReadDuration: readDuration,
	})
}

// handleReadError classifies a failed read: protocol errors mark the
// variable and continue, everything else is connectivity and tears the
// session down for the reconnect path.
func (m *Manager) handleReadError(mc *managedConnection, v *Variable, err error) {
	if adsErr, ok := err.(*ads.AdsError); ok && !adsErr.Fatal() {
		// protocol error: last-good value preserved, other variables continue
		m.adsErrors.Add(1)
		m.recordVariableError(v.ID, err)
		m.bus.Emit("variable.error", VariableError{
			ConnectionID: mc.cfg.ID,
			VariableID:   v.ID,
			Path:         v.Path,
			Error:        err.Error(),
			Timestamp:    time.Now().UnixMilli(),
		})
		return
	}

	m.sessionLost(mc, err)
}

func (m *Manager) recordVariableError(variableID string, err error) {
	m.vars.update(variableID, func(next *Variable) {
		next.LastError = err.Error()
	})
}

// WriteVariable performs the synchronous PLC write; callers reach it through
// the variable-write queue only.
func (m *Manager) WriteVariable(ctx context.Context, variableID string, value interface{}) error {
	v, ok := m.vars.get(variableID)
	if !ok {
		return fmt.Errorf("variable %s not found", variableID)
	}

	m.mu.RLock()
	mc, connOk := m.conns[v.ConnectionID]
	m.mu.RUnlock()
	if !connOk {
		return fmt.Errorf("connection %s not found", v.ConnectionID)
	}

	mc.mu.Lock()
	session := mc.session
	mc.mu.Unlock()
	if session == nil || !session.Connected() {
		return fmt.Errorf("connection %s is not connected", v.ConnectionID)
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	if err := session.WriteSymbol(writeCtx, v.Path, v.Type, value); err != nil {
		return err
	}

	// reflect the accepted value immediately; the next poll confirms it
	m.handleSample(v.ConnectionID, v, value, buffer.QualityGood, time.Now().UnixMilli(), 0)
	return nil
}

// Status reports one connection's lifecycle view.
func (m *Manager) Status(id string) (ConnectionStatus, error) {
	m.mu.RLock()
	mc, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return ConnectionStatus{}, fmt.Errorf("connection %s not found", id)
	}
	return m.status(mc), nil
}

// Statuses reports all connections.
func (m *Manager) Statuses() []ConnectionStatus {
	m.mu.RLock()
	conns := make([]*managedConnection, 0, len(m.conns))
	for _, mc := range m.conns {
		conns = append(conns, mc)
	}
	m.mu.RUnlock()

	out := make([]ConnectionStatus, 0, len(conns))
	for _, mc := range conns {
		out = append(out, m.status(mc))
	}
	return out
}

func (m *Manager) status(mc *managedConnection) ConnectionStatus {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	s := ConnectionStatus{
		ID:         mc.cfg.ID,
		Name:       mc.cfg.Name,
		State:      mc.state,
		Connected:  mc.session != nil && mc.session.Connected(),
		ErrorCount: mc.errorCount,
		LastError:  mc.lastError,
	}
	s.Variables = len(m.vars.forConnection(mc.cfg.ID))
	if mc.watcher != nil {
		s.Discovery = mc.watcher.State()
	}
	return s
}

// Connection returns the configuration of one endpoint.
func (m *Manager) Connection(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.conns[id]
	if !ok {
		return nil, false
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	dup := *mc.cfg
	return &dup, true
}

// Connections returns all configurations.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, mc := range m.conns {
		mc.mu.Lock()
		dup := *mc.cfg
		mc.mu.Unlock()
		out = append(out, &dup)
	}
	return out
}

// Symbols enumerates the symbol table of a connected endpoint.
func (m *Manager) Symbols(ctx context.Context, connectionID string) ([]ads.Symbol, error) {
	m.mu.RLock()
	mc, ok := m.conns[connectionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connection %s not found", connectionID)
	}

	mc.mu.Lock()
	session := mc.session
	mc.mu.Unlock()
	if session == nil || !session.Connected() {
		return nil, fmt.Errorf("connection %s is not connected", connectionID)
	}

	return session.Symbols(ctx)
}

// AdsErrorCount reports the accumulated ADS error counter for metrics.
func (m *Manager) AdsErrorCount() uint64 { return m.adsErrors.Load() }

// Shutdown cancels every session, poller and watcher.
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.RLock()
	conns := make([]*managedConnection, 0, len(m.conns))
	for _, mc := range m.conns {
		conns = append(conns, mc)
	}
	m.mu.RUnlock()

	for _, mc := range conns {
		m.disconnectSession(mc)
	}
	logrus.Info("CM: shutdown complete")
}
