// Package session mirrors live connection state into Redis. The in-memory
// presence registry remains the routing source of truth; the mirror exists
// so operators and sibling services can see which user is connected to which
// server instance without asking the process itself.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys. Connections that
	// outlive it are refreshed by Touch on inbound activity.
	SessionTTL = 1 * time.Hour
)

// Session is the mirrored record of one live connection.
type Session struct {
	ConnID      string `redis:"conn_id"`
	UserID      string `redis:"user_id"`
	Server      string `redis:"server"`      // which server instance holds the connection
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages session mirror records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create mirrors a newly admitted connection with a 1h TTL.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"conn_id":      connID,
		"user_id":      userID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var sess Session
	err := s.client.HGetAll(ctx, key).Scan(&sess)
	if err != nil {
		return nil, err
	}
	if sess.ConnID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// Touch refreshes the record's activity timestamp and TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
