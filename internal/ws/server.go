// Package ws handles WebSocket connection management, including authenticating
// and upgrading HTTP connections, maintaining active per-user connection
// groups, and dispatching incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/taskpal/realtime/internal/auth"
	"github.com/taskpal/realtime/internal/metrics"
	"github.com/taskpal/realtime/internal/presence"
	"github.com/taskpal/realtime/internal/protocol"
	"github.com/taskpal/realtime/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// PresencePublisher receives serialized presence transition events for
// out-of-process consumers. A nil publisher disables the fan-out.
type PresencePublisher interface {
	PublishPresence(data []byte) error
}

// presenceEvent is the payload published on user online/offline transitions.
type presenceEvent struct {
	UserID    string `json:"userId"`
	Event     string `json:"event"` // "online" or "offline"
	Timestamp int64  `json:"timestamp"`
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// authenticates and upgrades HTTP connections, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading. Presence transitions derived
// from connection lifecycle are broadcast to all other clients.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	verifier     *auth.Verifier
	presence     *presence.Registry
	sessionStore *session.Store                      // Redis-backed session mirror
	presencePub  PresencePublisher                   // optional NATS presence fan-out
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(conn *Connection)              // called when a connection is removed
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration, token verifier,
// presence registry, session mirror, and message callback. The onMessage
// function is called from a worker goroutine whenever a complete WebSocket
// text frame is received from a client.
func NewServer(config ServerConfig, verifier *auth.Verifier, registry *presence.Registry, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:       config,
		conns:        NewConnectionManager(),
		verifier:     verifier,
		presence:     registry,
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
	}

	return s
}

// SetPresencePublisher registers an optional publisher that receives presence
// transition events alongside the in-process broadcast.
func (s *Server) SetPresencePublisher(pub PresencePublisher) {
	s.presencePub = pub
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request and upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader. The token is verified
// BEFORE the upgrade so that rejected clients get a plain 401 instead of a
// half-open socket. On success it creates a Connection, registers it with the
// connection manager, epoll, and the presence registry, and performs the
// presence handshake (online broadcast plus snapshot delivery).
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	// Admission gate: no identity, no upgrade.
	userID, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		metrics.AuthRejections.Inc()
		log.Printf("ws: rejected unauthenticated connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Upgrade the HTTP connection to WebSocket.
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	connID := uuid.New().String()

	c := &Connection{
		ID:           connID,
		UserID:       userID,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    time.Now(),
		WriteTimeout: s.config.WriteTimeout,
	}
	c.TouchActivity()

	// Register the connection in the manager and epoll.
	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for conn %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}

	metrics.ConnectionsTotal.Inc()

	// Presence handshake. The online snapshot and the registration happen
	// under the registry's lock, so the snapshot can never miss or duplicate
	// a concurrent transition.
	first, online := s.presence.Register(userID, connID)
	metrics.OnlineUsers.Set(float64(s.presence.Count()))
	if first {
		s.announcePresence(userID, protocol.TypeUserOnline)
	}

	snapshot, err := protocol.NewServerMessage(protocol.TypeUsersOnline, protocol.UsersOnlineMsg{
		Users: online,
	})
	if err != nil {
		log.Printf("ws: failed to build online snapshot for conn %s: %v", connID, err)
	} else if err := c.WriteMessage(snapshot); err != nil {
		log.Printf("ws: failed to send online snapshot for conn %s: %v", connID, err)
	}

	// Mirror the session into Redis.
	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Create(ctx, connID, userID); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", connID, err)
		}
	}

	log.Printf("ws: new connection user=%s conn=%s fd=%d (total=%d)", userID, connID, fd, s.conns.Count())
}

// announcePresence broadcasts a user's online/offline transition to every
// other connection and mirrors it to the presence publisher.
func (s *Server) announcePresence(userID string, msgType string) {
	data, err := protocol.NewServerMessage(msgType, protocol.UserPresenceMsg{
		UserID: userID,
	})
	if err != nil {
		log.Printf("ws: failed to build %s for user %s: %v", msgType, userID, err)
		return
	}
	s.conns.BroadcastExcept(userID, data)

	if s.presencePub == nil {
		return
	}
	event := "online"
	if msgType == protocol.TypeUserOffline {
		event = "offline"
	}
	payload, err := json.Marshal(presenceEvent{
		UserID:    userID,
		Event:     event,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return
	}
	if err := s.presencePub.PublishPresence(payload); err != nil {
		log.Printf("ws: presence publish user=%s: %v", userID, err)
	}
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count, online user count, and uptime. It is used by load
// balancers for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"onlineUsers"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		OnlineUsers: s.presence.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection — the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.TouchActivity()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close). It is called
// before the Redis session is deleted, so the handler can inspect session state.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from epoll, the connection manager,
// and the presence registry, and closes the underlying network connection.
// If it was the user's last connection, the offline transition is broadcast.
// It is exported so that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	metrics.ConnectionsTotal.Dec()

	last := s.presence.Unregister(c.UserID, c.ID)
	metrics.OnlineUsers.Set(float64(s.presence.Count()))
	if last {
		s.announcePresence(c.UserID, protocol.TypeUserOffline)
	}

	// Notify application layer before deleting the session mirror.
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	// Delete session from Redis.
	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed user=%s conn=%s (total=%d)", c.UserID, c.ID, s.conns.Count())
}

// SendToUser writes a WebSocket text frame to every connection owned by the
// user and returns how many received it. It is goroutine-safe thanks to the
// per-connection write mutex.
func (s *Server) SendToUser(userID string, data []byte) int {
	return s.conns.SendToUser(userID, data)
}

// touchSession refreshes the Redis session mirror's activity timestamp. Called
// on client keepalives; detached so the read path never waits on Redis.
func (s *Server) touchSession(connID string) {
	if s.sessionStore == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Touch(ctx, connID); err != nil {
			log.Printf("ws: failed to touch redis session for %s: %v", connID, err)
		}
	}()
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or session layer).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Presence returns the presence registry for external access (e.g., by
// message handlers that need to check recipient availability).
func (s *Server) Presence() *presence.Registry {
	return s.presence
}

// SessionStore returns the Redis session mirror for external access.
func (s *Server) SessionStore() *session.Store {
	return s.sessionStore
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	// Close every active connection through the standard disconnect path so
	// that presence transitions and session mirror deletes run for each.
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	// Close the epoll instance.
	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
