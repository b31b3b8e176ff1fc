package ads

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// amsHeaderSize is the fixed AMS header length behind the 6-byte TCP header.
const amsHeaderSize = 32

// Config describes one ADS endpoint.
type Config struct {
	ID            string
	Name          string
	Host          string
	Port          int // router port, conventionally 48898
	TargetAddress string
	TargetPort    int // runtime port, conventionally 801 or 851
	SourcePort    int

	ConnectTimeout time.Duration // default 5s
	RequestTimeout time.Duration // default 2s
}

// Connection is one TCP session to an ADS router. All exported methods are
// safe for concurrent use; in-flight requests are matched to responses by
// invoke id.
type Connection struct {
	cfg    Config
	target AmsAddr
	source AmsAddr

	conn    net.Conn
	writeMu sync.Mutex

	invokeID atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan []byte

	handleMu sync.Mutex
	handles  map[string]uint32

	notifMu    sync.Mutex
	notifTypes map[uint32]DataType

	onSample func(NotificationSample)
	onClose  func(error)

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection prepares a session; Connect establishes it.
func NewConnection(cfg Config) (*Connection, error) {
	netID, err := ParseNetID(cfg.TargetAddress)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Second
	}

	return &Connection{
		cfg:        cfg,
		target:     AmsAddr{NetID: netID, Port: uint16(cfg.TargetPort)},
		pending:    make(map[uint32]chan []byte),
		handles:    make(map[string]uint32),
		notifTypes: make(map[uint32]DataType),
	}, nil
}

// SetSampleHandler installs the callback for device notification samples.
// Must be called before Connect.
func (c *Connection) SetSampleHandler(h func(NotificationSample)) { c.onSample = h }

// SetCloseHandler installs the callback invoked when the session dies,
// carrying the error that killed it. Must be called before Connect.
func (c *Connection) SetCloseHandler(h func(error)) { c.onClose = h }

// Connect opens the TCP session to the router, registers the local AMS
// address against the configured source port and authenticates the route
// with a state probe. A refused route is fatal.
func (c *Connection) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial router %s: %w", addr, err)
	}

	c.conn = conn
	c.done = make(chan struct{})
	c.closeOnce = sync.Once{}
	c.source = c.localAddr(conn)
	c.connected.Store(true)

	go c.readLoop()

	// Route authentication: a state probe answered by the target proves the
	// router accepts our source address for this target.
	if _, _, err := c.readState(ctx); err != nil {
		c.teardown(err)
		if adsErr, ok := err.(*AdsError); ok && adsErr.Fatal() {
			return fmt.Errorf("route to %s refused: %w", c.target, err)
		}
		return fmt.Errorf("route probe to %s: %w", c.target, err)
	}

	logrus.Infof("ADS: %s connected to %s (target %s)", c.cfg.Name, addr, c.target)
	return nil
}

// localAddr derives the source AMS address from the TCP connection's local
// IP, extended by ".1.1", with the configured source port.
func (c *Connection) localAddr(conn net.Conn) AmsAddr {
	var id [6]byte
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		if ip4 := tcp.IP.To4(); ip4 != nil {
			copy(id[:4], ip4)
		}
	}
	id[4], id[5] = 1, 1
	return AmsAddr{NetID: id, Port: uint16(c.cfg.SourcePort)}
}

// Connected reports whether the session is live: true only between a
// successful Connect and any failure.
func (c *Connection) Connected() bool { return c.connected.Load() }

// Disconnect releases all handles and notifications and closes the session.
func (c *Connection) Disconnect() {
	if !c.connected.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	c.notifMu.Lock()
	handles := make([]uint32, 0, len(c.notifTypes))
	for h := range c.notifTypes {
		handles = append(handles, h)
	}
	c.notifMu.Unlock()
	for _, h := range handles {
		c.Unsubscribe(ctx, h) // best effort
	}

	c.handleMu.Lock()
	symHandles := make([]uint32, 0, len(c.handles))
	for _, h := range c.handles {
		symHandles = append(symHandles, h)
	}
	c.handles = make(map[string]uint32)
	c.handleMu.Unlock()
	for _, h := range symHandles {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, h)
		c.write(ctx, GroupReleaseHandle, 0, buf) // best effort
	}

	c.teardown(nil)
	logrus.Infof("ADS: %s disconnected", c.cfg.Name)
}

func (c *Connection) teardown(err error) {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		if err != nil && c.onClose != nil {
			c.onClose(err)
		}
	})
}

// ReadSymbol resolves the path to a handle (cached per session), reads the
// raw bytes and decodes them.
func (c *Connection) ReadSymbol(ctx context.Context, path string, t DataType) (interface{}, error) {
	size, err := SizeOf(t)
	if err != nil {
		return nil, err
	}

	handle, err := c.symbolHandle(ctx, path)
	if err != nil {
		return nil, err
	}

	raw, err := c.read(ctx, GroupSymbolValueByHandle, handle, uint32(size))
	if err != nil {
		c.dropHandleOnError(path, err)
		return nil, err
	}
	return Decode(raw, t)
}

// WriteSymbol encodes the value per the declared type and writes it.
func (c *Connection) WriteSymbol(ctx context.Context, path string, t DataType, value interface{}) error {
	raw, err := Encode(value, t)
	if err != nil {
		return err
	}

	handle, err := c.symbolHandle(ctx, path)
	if err != nil {
		return err
	}

	if err := c.write(ctx, GroupSymbolValueByHandle, handle, raw); err != nil {
		c.dropHandleOnError(path, err)
		return err
	}
	return nil
}

// ReadRaw reads length bytes at (indexGroup, indexOffset).
func (c *Connection) ReadRaw(ctx context.Context, indexGroup, indexOffset, length uint32) ([]byte, error) {
	return c.read(ctx, indexGroup, indexOffset, length)
}

// InvalidateHandles drops every cached symbol handle. Called when an
// OnlineChange is detected; handles re-resolve lazily on the next access.
func (c *Connection) InvalidateHandles() {
	c.handleMu.Lock()
	n := len(c.handles)
	c.handles = make(map[string]uint32)
	c.handleMu.Unlock()
	if n > 0 {
		logrus.Infof("ADS: %s invalidated %d symbol handles", c.cfg.Name, n)
	}
}

// symbolHandle resolves and caches the handle for a symbol path.
func (c *Connection) symbolHandle(ctx context.Context, path string) (uint32, error) {
	c.handleMu.Lock()
	handle, ok := c.handles[path]
	c.handleMu.Unlock()
	if ok {
		return handle, nil
	}

	resp, err := c.readWrite(ctx, GroupSymbolHandleByName, 0, 4, append([]byte(path), 0))
	if err != nil {
		return 0, fmt.Errorf("resolve handle for %s: %w", path, err)
	}
	if len(resp) < 4 {
		return 0, fmt.Errorf("resolve handle for %s: short response", path)
	}
	handle = binary.LittleEndian.Uint32(resp)

	c.handleMu.Lock()
	c.handles[path] = handle
	c.handleMu.Unlock()
	return handle, nil
}

// dropHandleOnError removes a cached handle after a device error that means
// the handle is stale (symbol gone or handle invalidated by OnlineChange).
func (c *Connection) dropHandleOnError(path string, err error) {
	adsErr, ok := err.(*AdsError)
	if !ok {
		return
	}
	if adsErr.Code == errSymbolNotFound || adsErr.Code == errInvalidHandle {
		c.handleMu.Lock()
		delete(c.handles, path)
		c.handleMu.Unlock()
	}
}

// read issues an ADS Read command.
func (c *Connection) read(ctx context.Context, group, offset, length uint32) ([]byte, error) {
	req := make([]byte, 12)
	binary.LittleEndian.PutUint32(req[0:], group)
	binary.LittleEndian.PutUint32(req[4:], offset)
	binary.LittleEndian.PutUint32(req[8:], length)

	resp, err := c.request(ctx, cmdRead, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 8 {
		return nil, fmt.Errorf("ads read: short response")
	}
	if code := binary.LittleEndian.Uint32(resp); code != errNoError {
		return nil, &AdsError{Op: "read", Code: code}
	}
	n := binary.LittleEndian.Uint32(resp[4:])
	if uint32(len(resp)-8) < n {
		return nil, fmt.Errorf("ads read: truncated payload")
	}
	return resp[8 : 8+n], nil
}

// write issues an ADS Write command.
func (c *Connection) write(ctx context.Context, group, offset uint32, data []byte) error {
	req := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(req[0:], group)
	binary.LittleEndian.PutUint32(req[4:], offset)
	binary.LittleEndian.PutUint32(req[8:], uint32(len(data)))
	copy(req[12:], data)

	resp, err := c.request(ctx, cmdWrite, req)
	if err != nil {
		return err
	}
	if len(resp) < 4 {
		return fmt.Errorf("ads write: short response")
	}
	if code := binary.LittleEndian.Uint32(resp); code != errNoError {
		return &AdsError{Op: "write", Code: code}
	}
	return nil
}

// readWrite issues an ADS ReadWrite command (write data, read reply in one
// round trip); used for handle acquisition.
func (c *Connection) readWrite(ctx context.Context, group, offset, readLen uint32, data []byte) ([]byte, error) {
	req := make([]byte, 16+len(data))
	binary.LittleEndian.PutUint32(req[0:], group)
	binary.LittleEndian.PutUint32(req[4:], offset)
	binary.LittleEndian.PutUint32(req[8:], readLen)
	binary.LittleEndian.PutUint32(req[12:], uint32(len(data)))
	copy(req[16:], data)

	resp, err := c.request(ctx, cmdReadWrite, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 8 {
		return nil, fmt.Errorf("ads readwrite: short response")
	}
	if code := binary.LittleEndian.Uint32(resp); code != errNoError {
		return nil, &AdsError{Op: "readwrite", Code: code}
	}
	n := binary.LittleEndian.Uint32(resp[4:])
	if uint32(len(resp)-8) < n {
		return nil, fmt.Errorf("ads readwrite: truncated payload")
	}
	return resp[8 : 8+n], nil
}

// readState issues an ADS ReadState command and returns (adsState,
// deviceState).
func (c *Connection) readState(ctx context.Context) (uint16, uint16, error) {
	resp, err := c.request(ctx, cmdReadState, nil)
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < 8 {
		return 0, 0, fmt.Errorf("ads readstate: short response")
	}
	if code := binary.LittleEndian.Uint32(resp); code != errNoError {
		return 0, 0, &AdsError{Op: "readstate", Code: code}
	}
	return binary.LittleEndian.Uint16(resp[4:]), binary.LittleEndian.Uint16(resp[6:]), nil
}

// request sends one AMS frame and blocks for the matching response.
func (c *Connection) request(ctx context.Context, command uint16, payload []byte) ([]byte, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("session not connected")
	}

	id := c.invokeID.Add(1)
	ch := make(chan []byte, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	frame := c.buildFrame(command, stateFlagRequest, id, payload)

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	_, err := c.conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	timeout := time.NewTimer(c.cfg.RequestTimeout)
	defer timeout.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("session closed while waiting for response")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("session closed while waiting for response")
	case <-timeout.C:
		return nil, fmt.Errorf("request timed out after %s", c.cfg.RequestTimeout)
	}
}

// buildFrame assembles TCP header + AMS header + payload.
func (c *Connection) buildFrame(command, flags uint16, invokeID uint32, payload []byte) []byte {
	frame := make([]byte, 6+amsHeaderSize+len(payload))

	// AMS/TCP header: 2 reserved bytes, then total AMS length.
	binary.LittleEndian.PutUint32(frame[2:], uint32(amsHeaderSize+len(payload)))

	h := frame[6:]
	copy(h[0:6], c.target.NetID[:])
	binary.LittleEndian.PutUint16(h[6:], c.target.Port)
	copy(h[8:14], c.source.NetID[:])
	binary.LittleEndian.PutUint16(h[14:], c.source.Port)
	binary.LittleEndian.PutUint16(h[16:], command)
	binary.LittleEndian.PutUint16(h[18:], flags)
	binary.LittleEndian.PutUint32(h[20:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(h[24:], 0) // error code
	binary.LittleEndian.PutUint32(h[28:], invokeID)

	copy(frame[6+amsHeaderSize:], payload)
	return frame
}

// readLoop consumes frames until the connection dies, dispatching responses
// to waiters and notifications to the sample handler.
func (c *Connection) readLoop() {
	header := make([]byte, 6)
	for {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			c.teardown(fmt.Errorf("read frame header: %w", err))
			return
		}
		length := binary.LittleEndian.Uint32(header[2:])
		if length < amsHeaderSize {
			c.teardown(fmt.Errorf("malformed frame: ams length %d", length))
			return
		}

		body := make([]byte, length)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			c.teardown(fmt.Errorf("read frame body: %w", err))
			return
		}

		command := binary.LittleEndian.Uint16(body[16:])
		flags := binary.LittleEndian.Uint16(body[18:])
		errorCode := binary.LittleEndian.Uint32(body[24:])
		invokeID := binary.LittleEndian.Uint32(body[28:])
		payload := body[amsHeaderSize:]

		if command == cmdDeviceNotification && flags == stateFlagRequest {
			c.dispatchNotification(payload)
			continue
		}

		if errorCode != errNoError {
			// AMS-level error, e.g. the router has no route to the target.
			c.failPending(invokeID, errorCode)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[invokeID]
		c.pendingMu.Unlock()
		if ok {
			ch <- payload
		}
	}
}

// failPending delivers an AMS-level error to the waiter as a synthetic ADS
// error payload.
func (c *Connection) failPending(invokeID, code uint32) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, code)

	c.pendingMu.Lock()
	ch, ok := c.pending[invokeID]
	c.pendingMu.Unlock()
	if ok {
		ch <- buf
	}
}
