package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID           string        // connection ID (UUID)
	UserID       string        // authenticated user that owns this connection
	Conn         net.Conn      // underlying TCP connection
	Fd           int           // file descriptor for epoll lookups
	CreatedAt    time.Time     // when the connection was established
	WriteTimeout time.Duration // per-frame write deadline; 0 disables it
	lastPing     atomic.Int64  // unix nanos of the last observed client activity
	writeMu      sync.Mutex    // serializes writes to this connection
	processing   int32         // atomic flag: 0 = idle, 1 = being read by handleConn
}

// TouchActivity records the current time as the connection's most recent
// client activity. Safe to call concurrently with LastActivity.
func (c *Connection) TouchActivity() {
	c.lastPing.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent observed client activity.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
// The write deadline bounds how long a stalled peer can hold the mutex; a
// timed-out write surfaces as an error and the connection is treated as dead
// by the caller.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs, file
// descriptors, and user IDs to their respective Connection objects. A user
// with multiple devices has one entry per device under the same user ID.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection            // conn_id -> Connection
	byFd   map[int]*Connection               // fd -> Connection
	byUser map[string]map[string]*Connection // user_id -> conn_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in the ID, fd, and user lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	group, ok := cm.byUser[conn.UserID]
	if !ok {
		group = make(map[string]*Connection)
		cm.byUser[conn.UserID] = group
	}
	group[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by connection ID, closes the underlying network
// connection, and removes it from all lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		cm.dropLocked(conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// RemoveByFd removes a connection by file descriptor, closes the underlying
// network connection, and removes it from all lookup maps. It returns the
// removed connection, or nil if no connection was registered for that fd.
func (cm *ConnectionManager) RemoveByFd(fd int) *Connection {
	cm.mu.Lock()
	conn, ok := cm.byFd[fd]
	if ok {
		cm.dropLocked(conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
		return conn
	}
	return nil
}

// dropLocked deletes a connection from all three maps. Caller holds cm.mu.
func (cm *ConnectionManager) dropLocked(conn *Connection) {
	delete(cm.byID, conn.ID)
	delete(cm.byFd, conn.Fd)
	if group, ok := cm.byUser[conn.UserID]; ok {
		delete(group, conn.ID)
		if len(group) == 0 {
			delete(cm.byUser, conn.UserID)
		}
	}
}

// Get returns the connection for the given connection ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// UserConnections returns a snapshot of all connections owned by a user.
func (cm *ConnectionManager) UserConnections(userID string) []*Connection {
	cm.mu.RLock()
	group := cm.byUser[userID]
	conns := make([]*Connection, 0, len(group))
	for _, conn := range group {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// SendToUser writes a message to every connection owned by the user and
// returns the number of connections written without error. A user with zero
// connections yields 0; the message is dropped, not queued.
func (cm *ConnectionManager) SendToUser(userID string, data []byte) int {
	delivered := 0
	for _, conn := range cm.UserConnections(userID) {
		if err := conn.WriteMessage(data); err == nil {
			delivered++
		}
	}
	return delivered
}

// Broadcast sends a message to all connected clients. Errors on individual
// connections are silently ignored — failed connections will be cleaned up
// by the epoll event loop when the next read fails.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		_ = conn.WriteMessage(msg)
	}
}

// BroadcastExcept sends a message to all connections not owned by the given
// user. Used for presence fan-out, where the transitioning user must not
// receive their own online/offline event.
func (cm *ConnectionManager) BroadcastExcept(userID string, msg []byte) {
	for _, conn := range cm.All() {
		if conn.UserID == userID {
			continue
		}
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
