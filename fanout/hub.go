// Package fanout bridges the event bus to external consumers: MQTT topics
// on the embedded broker and WebSocket rooms.
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ads-gateway/buffer"
	"ads-gateway/events"
	"ads-gateway/logic"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Publisher is the broker surface the hub publishes through.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool, qos byte) error
}

// Engine is the facade slice the hub needs for client-initiated requests.
type Engine interface {
	WriteVariable(actor logic.Actor, variableID string, value interface{}, source string) (string, error)
	ReadHistory(variableID string, start, end int64, limit int) ([]buffer.Entry, error)
}

// Hub owns the WebSocket clients and their room membership.
type Hub struct {
	bus       *events.Bus
	publisher Publisher
	engine    Engine

	mu      sync.Mutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	// pending write acks: job id → requesting client
	pendingWrites map[string]*Client

	drops atomic.Uint64
}

// NewHub creates the hub and attaches the event bridge.
func NewHub(bus *events.Bus, publisher Publisher, engine Engine) *Hub {
	h := &Hub{
		bus:           bus,
		publisher:     publisher,
		engine:        engine,
		clients:       make(map[*Client]struct{}),
		rooms:         make(map[string]map[*Client]struct{}),
		pendingWrites: make(map[string]*Client),
	}
	h.attachBridge()
	return h
}

// Client is one WebSocket consumer.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]struct{}
	addr  string
}

// ServeWS upgrades the request and runs the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("WS: upgrade failed: %v", err)
		return
	}

	c := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		rooms: make(map[string]struct{}),
		addr:  r.RemoteAddr,
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.bus.Emit("ws.client.connected", map[string]interface{}{"address": c.addr, "clients": count})
	logrus.Infof("WS: client %s connected (%d total)", c.addr, count)

	go c.writePump()
	go c.readPump()
}

// remove detaches the client from every room and the hub.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveRoomLocked(c, room)
	}
	for jobID, waiter := range h.pendingWrites {
		if waiter == c {
			delete(h.pendingWrites, jobID)
		}
	}
	count := len(h.clients)
	h.mu.Unlock()

	close(c.send)
	h.bus.Emit("ws.client.disconnected", map[string]interface{}{"address": c.addr, "clients": count})
}

func (h *Hub) joinRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoomLocked(c, room)
}

func (h *Hub) leaveRoomLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// broadcastRoom sends a typed message to every member of a room.
func (h *Hub) broadcastRoom(room string, msg interface{}) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.Lock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.Unlock()

	for _, c := range members {
		c.enqueue(raw, h)
	}
}

// broadcastAll sends to every connected client.
func (h *Hub) broadcastAll(msg interface{}) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		c.enqueue(raw, h)
	}
}

// Drops reports how many messages were shed due to slow clients.
func (h *Hub) Drops() uint64 { return h.drops.Load() }

// ClientCount reports connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// enqueue never blocks: when the client's buffer is full the oldest
// undelivered message is dropped and the drop counter incremented.
func (c *Client) enqueue(msg []byte, h *Hub) {
	select {
	case c.send <- msg:
		return
	default:
	}

	select {
	case <-c.send:
		h.drops.Add(1)
	default:
	}
	select {
	case c.send <- msg:
	default:
		h.drops.Add(1)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.Warnf("WS: client %s read error: %v", c.addr, err)
			}
			return
		}
		c.hub.handleClientMessage(c, raw)
	}
}
