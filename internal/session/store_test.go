package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore connects to the Redis instance named by REDIS_TEST_ADDR.
// Tests that call this helper are skipped when no Redis is reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	probe := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := probe.Ping(ctx).Err(); err != nil {
		probe.Close()
		t.Skipf("redis not available: %v", err)
	}
	probe.Close()

	s, err := NewStore(addr, "test-server")
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	connID := "conn-create-get"
	if err := s.Create(ctx, connID, "u1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	t.Cleanup(func() { s.Delete(ctx, connID) })

	sess, err := s.Get(ctx, connID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess == nil {
		t.Fatal("expected session, got nil")
	}
	if sess.UserID != "u1" {
		t.Errorf("expected user u1, got %q", sess.UserID)
	}
	if sess.Server != "test-server" {
		t.Errorf("expected server test-server, got %q", sess.Server)
	}
	if sess.ConnectedAt == 0 {
		t.Error("expected connected_at to be set")
	}

	ttl, err := s.Client().TTL(ctx, SessionPrefix+connID).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > SessionTTL {
		t.Errorf("expected TTL in (0, %v], got %v", SessionTTL, ttl)
	}
}

func TestGet_Missing(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.Get(context.Background(), "conn-never-created")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil for missing session, got %+v", sess)
	}
}

func TestTouch_RefreshesActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	connID := "conn-touch"
	if err := s.Create(ctx, connID, "u1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	t.Cleanup(func() { s.Delete(ctx, connID) })

	// Age the record so the refreshed timestamp is observable.
	if err := s.Client().HSet(ctx, SessionPrefix+connID, "last_active", time.Now().Add(-time.Minute).Unix()).Err(); err != nil {
		t.Fatalf("HSet() error: %v", err)
	}

	if err := s.Touch(ctx, connID); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}

	sess, err := s.Get(ctx, connID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if time.Since(time.Unix(sess.LastActive, 0)) > 5*time.Second {
		t.Errorf("expected refreshed last_active, got %d", sess.LastActive)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	connID := "conn-delete"
	if err := s.Create(ctx, connID, "u1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := s.Delete(ctx, connID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	sess, err := s.Get(ctx, connID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess != nil {
		t.Errorf("expected session gone after delete, got %+v", sess)
	}
}
