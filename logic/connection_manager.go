package logic

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ads-gateway/buffer"
	"ads-gateway/cache"
	"ads-gateway/config"
	dataforwarding "ads-gateway/data-forwarding"
	ads "ads-gateway/driver/ads"
	"ads-gateway/events"
	"ads-gateway/queue"
)

const (
	cacheTTL         = 60 * time.Second
	reconnectInitial = time.Second
	reconnectCap     = 60 * time.Second
)

// Manager owns the set of live sessions and the variable → session map. All
// cross-task communication goes through the event bus or channels owned
// here; sessions never mutate shared state directly.
type Manager struct {
	bus     *events.Bus
	cache   *cache.Cache
	store   *dataforwarding.Store
	queue   *queue.Manager
	buffers *buffer.VariableBuffer
	cfg     *config.Config

	mu    sync.RWMutex // guards conns; writers are rare (config change)
	conns map[string]*managedConnection

	vars *varTable

	forwarder atomic.Value // *dataforwarding.Forwarder
	adsErrors atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// managedConnection tracks one endpoint's session lifecycle. Its mutex is
// never held across a suspending call; acquisition loops snapshot what they
// need first.
type managedConnection struct {
	mu  sync.Mutex
	cfg *Connection

	session       plcSession
	sessionCancel context.CancelFunc // cancels pollers and the watcher

	watcher *ads.Watcher

	pollers      map[string]context.CancelFunc // variableID → poll loop cancel
	notifHandles map[uint32]string             // notification handle → variableID
	varNotif     map[string]uint32             // variableID → notification handle

	state      string
	lastError  string
	errorCount uint64
	backoff    time.Duration
	generation uint64 // bumped on every disconnect to kill stale reconnects
}

// NewManager wires the manager; Start brings persisted connections up.
func NewManager(bus *events.Bus, c *cache.Cache, store *dataforwarding.Store,
	q *queue.Manager, buffers *buffer.VariableBuffer, cfg *config.Config) *Manager {

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		bus:     bus,
		cache:   c,
		store:   store,
		queue:   q,
		buffers: buffers,
		cfg:     cfg,
		conns:   make(map[string]*managedConnection),
		vars:    newVarTable(),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.registerQueueHandlers()
	return m
}

// Start restores persisted connections and variables and connects the
// enabled endpoints.
func (m *Manager) Start() error {
	stored, err := m.store.LoadConnections()
	if err != nil {
		return fmt.Errorf("load connections: %v", err)
	}
	storedVars, err := m.store.LoadVariables()
	if err != nil {
		return fmt.Errorf("load variables: %v", err)
	}

	for _, sv := range storedVars {
		m.vars.insert(variableFromStored(sv))
	}

	for _, sc := range stored {
		conn := connectionFromStored(sc)
		mc := &managedConnection{
			cfg:          conn,
			state:        StateDisconnected,
			pollers:      make(map[string]context.CancelFunc),
			notifHandles: make(map[uint32]string),
			varNotif:     make(map[string]uint32),
		}
		m.mu.Lock()
		m.conns[conn.ID] = mc
		m.mu.Unlock()

		if conn.Enabled {
			go m.connect(conn.ID)
		}
	}

	logrus.Infof("CM: restored %d connections, %d variables", len(stored), len(storedVars))
	return nil
}

// AddConnection persists the endpoint and connects it when enabled.
func (m *Manager) AddConnection(conn *Connection) error {
	if conn.ID == "" || conn.Host == "" || conn.TargetAddress == "" {
		return fmt.Errorf("connection needs id, host and targetAddress")
	}
	if _, err := ads.ParseNetID(conn.TargetAddress); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.conns[conn.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("connection %s already exists", conn.ID)
	}
	mc := &managedConnection{
		cfg:          conn,
		state:        StateDisconnected,
		pollers:      make(map[string]context.CancelFunc),
		notifHandles: make(map[uint32]string),
		varNotif:     make(map[string]uint32),
	}
	m.conns[conn.ID] = mc
	m.mu.Unlock()

	if err := m.store.SaveConnection(conn.toStored()); err != nil {
		return fmt.Errorf("persist connection: %v", err)
	}

	if conn.Enabled {
		go m.connect(conn.ID)
	}
	return nil
}

// RemoveConnection disconnects and drops the endpoint and all its variables.
func (m *Manager) RemoveConnection(id string) error {
	m.mu.Lock()
	mc, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("connection %s not found", id)
	}
	delete(m.conns, id)
	m.mu.Unlock()

	m.disconnectSession(mc)

	for _, v := range m.vars.forConnection(id) {
		m.vars.remove(v.ID)
		m.buffers.Remove(v.ID)
		m.store.DeleteVariable(v.ID)
		m.cache.Delete(m.ctx, "variable:"+v.ID)
	}
	return m.store.DeleteConnection(id)
}

// UpdateConnection applies the new configuration with the
// disconnect-reconfigure-reconnect pattern: simple correctness over uptime.
func (m *Manager) UpdateConnection(id string, delta *Connection) error {
	m.mu.RLock()
	mc, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not found", id)
	}

	m.disconnectSession(mc)

	mc.mu.Lock()
	delta.ID = id
	mc.cfg = delta
	mc.mu.Unlock()

	if err := m.store.SaveConnection(delta.toStored()); err != nil {
		return fmt.Errorf("persist connection: %v", err)
	}

	if delta.Enabled {
		go m.connect(id)
	}
	return nil
}

// Connect brings a configured endpoint up on demand.
func (m *Manager) Connect(id string) error {
	m.mu.RLock()
	_, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not found", id)
	}
	go m.connect(id)
	return nil
}

// Disconnect tears a session down without removing the configuration.
func (m *Manager) Disconnect(id string) error {
	m.mu.RLock()
	mc, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not found", id)
	}
	m.disconnectSession(mc)
	return nil
}

// connect establishes the session, attaches discovery and starts
// acquisition for the connection's variables. At most one live session per
// connection: a still-connected session is left alone.
func (m *Manager) connect(id string) {
	m.mu.RLock()
	mc, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	mc.mu.Lock()
	if mc.session != nil && mc.session.Connected() {
		mc.mu.Unlock()
		return
	}
	if mc.state == StateConnecting {
		mc.mu.Unlock()
		return
	}
	mc.state = StateConnecting
	conn := mc.cfg
	generation := mc.generation
	mc.mu.Unlock()

	session, err := newSession(ads.Config{
		ID:             conn.ID,
		Name:           conn.Name,
		Host:           conn.Host,
		Port:           conn.Port,
		TargetAddress:  conn.TargetAddress,
		TargetPort:     conn.TargetPort,
		SourcePort:     conn.SourcePort,
		ConnectTimeout: m.cfg.ConnectTimeout,
		RequestTimeout: m.cfg.RequestTimeout,
	})
	if err != nil {
		m.connectionFailed(mc, generation, err)
		return
	}

	session.SetSampleHandler(func(s ads.NotificationSample) {
		m.handleNotification(mc, s)
	})
	session.SetCloseHandler(func(closeErr error) {
		m.sessionLost(mc, closeErr)
	})

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	err = session.Connect(ctx)
	cancel()
	if err != nil {
		m.connectionFailed(mc, generation, err)
		return
	}

	sessionCtx, sessionCancel := context.WithCancel(m.ctx)

	mc.mu.Lock()
	if mc.generation != generation {
		// disconnected while we were connecting
		mc.mu.Unlock()
		sessionCancel()
		session.Disconnect()
		return
	}
	mc.session = session
	mc.sessionCancel = sessionCancel
	mc.state = StateConnected
	mc.lastError = ""
	mc.backoff = 0
	mc.mu.Unlock()

	m.bus.Emit("connection.established", ConnectionEvent{ConnectionID: conn.ID, Name: conn.Name})
	logrus.Infof("CM: connection %s established", conn.Name)

	if conn.Discovery != nil && conn.Discovery.AutoDiscover {
		m.attachWatcher(mc, sessionCtx, session, *conn.Discovery)
	}

	for _, v := range m.vars.forConnection(conn.ID) {
		m.startAcquisition(mc, sessionCtx, v)
	}
}

func (m *Manager) connectionFailed(mc *managedConnection, generation uint64, err error) {
	mc.mu.Lock()
	if mc.generation != generation {
		mc.mu.Unlock()
		return
	}
	mc.state = StateError
	mc.lastError = err.Error()
	mc.errorCount++
	connID, name := mc.cfg.ID, mc.cfg.Name
	mc.mu.Unlock()

	m.adsErrors.Add(1)
	m.bus.Emit("connection.error", ConnectionEvent{ConnectionID: connID, Name: name, Error: err.Error()})
	logrus.Warnf("CM: connection %s failed: %v", name, err)

	if fatal, ok := err.(*ads.AdsError); ok && fatal.Fatal() {
		// authentication refused or route missing: no automatic retry
		return
	}
	m.scheduleReconnect(mc, generation)
}

// sessionLost is the close handler: the TCP session died underneath us.
func (m *Manager) sessionLost(mc *managedConnection, err error) {
	mc.mu.Lock()
	if mc.session == nil {
		mc.mu.Unlock()
		return
	}
	m.stopAcquisitionLocked(mc)
	if mc.sessionCancel != nil {
		mc.sessionCancel()
	}
	mc.session = nil
	mc.watcher = nil
	mc.state = StateError
	mc.errorCount++
	if err != nil {
		mc.lastError = err.Error()
	}
	mc.generation++
	generation := mc.generation
	connID, name := mc.cfg.ID, mc.cfg.Name
	mc.mu.Unlock()

	m.adsErrors.Add(1)
	m.bus.Emit("connection.lost", ConnectionEvent{ConnectionID: connID, Name: name, Error: errString(err)})
	m.bus.Emit("connection.error", ConnectionEvent{ConnectionID: connID, Name: name, Error: errString(err)})
	logrus.Warnf("CM: connection %s lost: %v", name, err)

	m.scheduleReconnect(mc, generation)
}

// scheduleReconnect retries with exponential backoff, 1s doubling to a 60s
// cap. Cache and ring buffers are preserved across reconnects.
func (m *Manager) scheduleReconnect(mc *managedConnection, generation uint64) {
	mc.mu.Lock()
	if !mc.cfg.Enabled {
		mc.mu.Unlock()
		return
	}
	if mc.backoff == 0 {
		mc.backoff = reconnectInitial
	} else {
		mc.backoff *= 2
		if mc.backoff > reconnectCap {
			mc.backoff = reconnectCap
		}
	}
	delay := mc.backoff
	connID := mc.cfg.ID
	mc.mu.Unlock()

	logrus.Infof("CM: reconnecting %s in %s", connID, delay)
	time.AfterFunc(delay, func() {
		select {
		case <-m.ctx.Done():
			return
		default:
		}
		mc.mu.Lock()
		stale := mc.generation != generation
		mc.mu.Unlock()
		if stale {
			return
		}
		m.connect(connID)
	})
}

// disconnectSession cleanly stops acquisition and closes the session.
func (m *Manager) disconnectSession(mc *managedConnection) {
	mc.mu.Lock()
	session := mc.session
	m.stopAcquisitionLocked(mc)
	if mc.sessionCancel != nil {
		mc.sessionCancel()
		mc.sessionCancel = nil
	}
	mc.session = nil
	mc.watcher = nil
	mc.state = StateDisconnected
	mc.generation++
	connID, name := mc.cfg.ID, mc.cfg.Name
	mc.mu.Unlock()

	if session != nil {
		session.Disconnect()
		m.bus.Emit("connection.lost", ConnectionEvent{ConnectionID: connID, Name: name})
	}
}

// stopAcquisitionLocked cancels all pollers and forgets notification
// handles. Caller holds mc.mu.
func (m *Manager) stopAcquisitionLocked(mc *managedConnection) {
	for id, cancel := range mc.pollers {
		cancel()
		delete(mc.pollers, id)
	}
	mc.notifHandles = make(map[uint32]string)
	mc.varNotif = make(map[string]uint32)
}

// attachWatcher starts the discovery loop for the session's lifetime.
func (m *Manager) attachWatcher(mc *managedConnection, ctx context.Context, session plcSession, cfg ads.DiscoveryConfig) {
	connID := mc.cfg.ID
	w := ads.NewWatcher(mc.cfg.Name, session, cfg)

	w.OnOnlineChange = func(counter uint32) {
		// stale cache entries would serve pre-change values; sibling
		// processes sharing the backend get told over the pub/sub channel
		m.cache.InvalidatePattern(m.ctx, "variable:*")
		m.cache.Publish(m.ctx, cache.InvalidationChannel, []byte("variable:*"))
		m.bus.Emit("discovery.online_change", map[string]interface{}{
			"connectionId": connID,
			"counter":      counter,
		})
	}
	w.OnSymbols = func(symbols []ads.Symbol) {
		m.bus.Emit("discovery.symbols", SymbolsDiscovered{ConnectionID: connID, Symbols: symbols})
	}
	w.OnVariables = func(discovered []ads.DiscoveredVariable) {
		m.reconcileDiscovered(connID, discovered)
	}

	mc.mu.Lock()
	mc.watcher = w
	mc.mu.Unlock()

	go w.Run(ctx)
}

// TriggerDiscovery runs an on-demand enumeration.
func (m *Manager) TriggerDiscovery(connectionID string) error {
	m.mu.RLock()
	mc, ok := m.conns[connectionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not found", connectionID)
	}

	mc.mu.Lock()
	watcher := mc.watcher
	session := mc.session
	cfg := mc.cfg
	mc.mu.Unlock()

	if session == nil || !session.Connected() {
		return fmt.Errorf("connection %s is not connected", connectionID)
	}

	if watcher == nil {
		dc := ads.DiscoveryConfig{}
		if cfg.Discovery != nil {
			dc = *cfg.Discovery
		}
		watcher = ads.NewWatcher(cfg.Name, session, dc)
		watcher.OnSymbols = func(symbols []ads.Symbol) {
			m.bus.Emit("discovery.symbols", SymbolsDiscovered{ConnectionID: connectionID, Symbols: symbols})
		}
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if !watcher.Check(ctx, true) {
		return fmt.Errorf("discovery for %s skipped: already running", connectionID)
	}
	return nil
}

// SetDiscoveryConfig replaces the discovery configuration; the session is
// bounced so the watcher picks it up.
func (m *Manager) SetDiscoveryConfig(connectionID string, cfg ads.DiscoveryConfig) error {
	m.mu.RLock()
	mc, ok := m.conns[connectionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not found", connectionID)
	}

	mc.mu.Lock()
	delta := *mc.cfg
	mc.mu.Unlock()
	delta.Discovery = &cfg
	return m.UpdateConnection(connectionID, &delta)
}

// reconcileDiscovered applies an auto-registration result without dropping
// samples of still-existing variables: unchanged variables keep their
// buffers and handles, removed ones are deleted, new ones are added.
func (m *Manager) reconcileDiscovered(connectionID string, discovered []ads.DiscoveredVariable) {
	byPath := make(map[string]ads.DiscoveredVariable, len(discovered))
	for _, d := range discovered {
		byPath[d.Path] = d
	}

	existing := make(map[string]*Variable)
	for _, v := range m.vars.forConnection(connectionID) {
		existing[v.Path] = v
	}

	// removed: auto-discovered variables whose symbol is gone
	for path, v := range existing {
		if _, still := byPath[path]; !still && v.AutoDiscovered {
			if err := m.RemoveVariable(v.ID); err != nil {
				logrus.Warnf("CM: removing stale variable %s: %v", v.ID, err)
			}
		}
	}

	var added []*Variable
	for _, d := range discovered {
		if _, exists := existing[d.Path]; exists {
			continue // unchanged, keeps buffer and handle
		}
		v := &Variable{
			ID:              newID(),
			ConnectionID:    connectionID,
			Name:            d.Path,
			Path:            d.Path,
			Type:            d.Type,
			SamplePeriod:    d.SamplePeriod,
			UseNotification: d.UseNotification,
			AutoDiscovered:  true,
		}
		v.Topic = "variables/" + v.ID + "/value"
		if err := m.AddVariable(connectionID, v); err != nil {
			logrus.Warnf("CM: auto-register %s: %v", d.Path, err)
			continue
		}
		added = append(added, v)
	}

	if len(added) > 0 {
		m.bus.Emit("discovery.variables_added", VariablesAdded{ConnectionID: connectionID, Variables: added})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
