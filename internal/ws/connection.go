package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one participant's WebSocket with its metadata and a write
// mutex serializing outbound frames.
type Connection struct {
	ID        string   // participant id
	Conn      net.Conn // underlying TCP connection
	Fd        int      // file descriptor, -1 off linux
	CreatedAt time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastSeen     atomic.Int64 // unix nanos of the last frame read
	processing   int32        // 1 while a worker is reading this connection
}

// NewConnection wraps conn for participant id.
func NewConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.Touch()
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the connection last showed activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Send writes data with the configured write deadline. It makes a
// Connection usable as a session.Channel.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager maps participant ids and network connections to
// Connections.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers conn. An existing connection with the same id is returned so
// the caller can close it.
func (cm *ConnectionManager) Add(conn *Connection) (replaced *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if prev, ok := cm.byID[conn.ID]; ok && prev != conn {
		delete(cm.byConn, prev.Conn)
		replaced = prev
	}
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	return replaced
}

// Remove unregisters conn if it is still the registered connection for its
// id, then closes it. It reports whether conn was registered.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	cur, ok := cm.byID[conn.ID]
	ok = ok && cur == conn
	if ok {
		delete(cm.byID, conn.ID)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	conn.Close()
	return ok
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// Count returns the number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
