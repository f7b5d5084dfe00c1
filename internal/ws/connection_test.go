package ws

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// newTestConn builds a Connection over a net.Pipe with a discard reader on
// the client side so writes never block.
func newTestConn(t *testing.T, id, userID string, fd int) *Connection {
	t.Helper()

	server, client := net.Pipe()
	go io.Copy(io.Discard, client)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         server,
		Fd:           fd,
		CreatedAt:    time.Now(),
		WriteTimeout: time.Second,
	}
	c.TouchActivity()
	return c
}

func TestConnectionManager_AddAndLookup(t *testing.T) {
	cm := NewConnectionManager()

	c1 := newTestConn(t, "conn-1", "u1", 10)
	c2 := newTestConn(t, "conn-2", "u1", 11)
	c3 := newTestConn(t, "conn-3", "u2", 12)
	cm.Add(c1)
	cm.Add(c2)
	cm.Add(c3)

	if cm.Count() != 3 {
		t.Errorf("expected 3 connections, got %d", cm.Count())
	}
	if cm.Get("conn-2") != c2 {
		t.Error("Get by ID returned wrong connection")
	}
	if cm.GetByFd(12) != c3 {
		t.Error("Get by fd returned wrong connection")
	}
	if got := len(cm.UserConnections("u1")); got != 2 {
		t.Errorf("expected 2 connections for u1, got %d", got)
	}
	if got := len(cm.UserConnections("u2")); got != 1 {
		t.Errorf("expected 1 connection for u2, got %d", got)
	}
}

func TestConnectionManager_RemoveCleansUserGroup(t *testing.T) {
	cm := NewConnectionManager()

	c1 := newTestConn(t, "conn-1", "u1", 10)
	c2 := newTestConn(t, "conn-2", "u1", 11)
	cm.Add(c1)
	cm.Add(c2)

	if !cm.Remove("conn-1") {
		t.Fatal("expected Remove to report success")
	}
	if got := len(cm.UserConnections("u1")); got != 1 {
		t.Errorf("expected 1 remaining connection for u1, got %d", got)
	}

	// Second removal of the same ID is a no-op.
	if cm.Remove("conn-1") {
		t.Error("expected second Remove to report false")
	}

	if !cm.Remove("conn-2") {
		t.Fatal("expected Remove to report success")
	}
	if got := len(cm.UserConnections("u1")); got != 0 {
		t.Errorf("expected empty group after last removal, got %d", got)
	}
	if cm.Count() != 0 {
		t.Errorf("expected 0 connections, got %d", cm.Count())
	}
}

func TestConnectionManager_RemoveByFd(t *testing.T) {
	cm := NewConnectionManager()

	c := newTestConn(t, "conn-1", "u1", 10)
	cm.Add(c)

	removed := cm.RemoveByFd(10)
	if removed != c {
		t.Fatal("expected RemoveByFd to return the connection")
	}
	if cm.Get("conn-1") != nil {
		t.Error("expected connection gone from ID map")
	}
	if cm.RemoveByFd(10) != nil {
		t.Error("expected nil for already-removed fd")
	}
}

func TestSendToUser_DeliversToAllDevices(t *testing.T) {
	cm := NewConnectionManager()

	cm.Add(newTestConn(t, "conn-1", "u1", 10))
	cm.Add(newTestConn(t, "conn-2", "u1", 11))
	cm.Add(newTestConn(t, "conn-3", "u2", 12))

	if got := cm.SendToUser("u1", []byte(`{"type":"pong"}`)); got != 2 {
		t.Errorf("expected delivery to 2 connections, got %d", got)
	}
}

// A peer that stops reading must not hold the write path forever; the write
// deadline turns the stall into a timeout error.
func TestWriteMessage_StalledPeerTimesOut(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	c := &Connection{
		ID:           "conn-1",
		UserID:       "u1",
		Conn:         server,
		Fd:           10,
		WriteTimeout: 50 * time.Millisecond,
	}

	start := time.Now()
	err := c.WriteMessage([]byte(`{"type":"pong"}`))
	if err == nil {
		t.Fatal("expected write to a stalled peer to fail")
	}
	if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
		t.Errorf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("write blocked for %v despite deadline", elapsed)
	}
}

// A stalled device must not count as delivered nor wedge delivery to the
// user's other connections.
func TestSendToUser_StalledPeerNotCounted(t *testing.T) {
	cm := NewConnectionManager()

	stalledServer, stalledClient := net.Pipe()
	t.Cleanup(func() {
		stalledServer.Close()
		stalledClient.Close()
	})
	cm.Add(&Connection{
		ID:           "conn-stalled",
		UserID:       "u1",
		Conn:         stalledServer,
		Fd:           10,
		WriteTimeout: 50 * time.Millisecond,
	})
	cm.Add(newTestConn(t, "conn-live", "u1", 11))

	start := time.Now()
	delivered := cm.SendToUser("u1", []byte(`{"type":"pong"}`))
	if delivered != 1 {
		t.Errorf("expected 1 delivery (stalled peer excluded), got %d", delivered)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("SendToUser blocked for %v on a stalled peer", elapsed)
	}
}

func TestConnectionActivity_ConcurrentTouch(t *testing.T) {
	c := newTestConn(t, "conn-1", "u1", 10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.TouchActivity()
				_ = c.LastActivity()
			}
		}()
	}
	wg.Wait()

	if time.Since(c.LastActivity()) > time.Second {
		t.Errorf("expected recent activity timestamp, got %v", c.LastActivity())
	}
}

// Sends to a user with no connections are dropped, not queued.
func TestSendToUser_OfflineYieldsZero(t *testing.T) {
	cm := NewConnectionManager()
	cm.Add(newTestConn(t, "conn-1", "u1", 10))

	if got := cm.SendToUser("u2", []byte(`{"type":"pong"}`)); got != 0 {
		t.Errorf("expected 0 deliveries for offline user, got %d", got)
	}
}

func TestBroadcastExcept_SkipsAllUserDevices(t *testing.T) {
	cm := NewConnectionManager()

	// Use raw pipes so we can observe which side receives bytes.
	type pipe struct {
		user   string
		client net.Conn
	}
	var pipes []pipe
	for i, p := range []struct{ id, user string }{
		{"conn-1", "u1"},
		{"conn-2", "u1"},
		{"conn-3", "u2"},
	} {
		server, client := net.Pipe()
		t.Cleanup(func() { server.Close(); client.Close() })
		cm.Add(&Connection{ID: p.id, UserID: p.user, Conn: server, Fd: 20 + i})
		pipes = append(pipes, pipe{user: p.user, client: client})
	}

	go cm.BroadcastExcept("u1", []byte(`{"type":"user:online","userId":"u1"}`))

	for _, p := range pipes {
		buf := make([]byte, 256)
		p.client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, err := p.client.Read(buf)
		if p.user == "u1" && err == nil {
			t.Errorf("expected no frame for excluded user %s", p.user)
		}
		if p.user == "u2" && err != nil {
			t.Errorf("expected frame for user %s, got error: %v", p.user, err)
		}
	}
}
