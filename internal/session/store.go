package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for channel session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix keys a set of connection ids per user.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL bounds how long a mirror entry survives a crashed server.
	SessionTTL = 1 * time.Hour
)

// Session is the Redis view of one open delivery channel.
type Session struct {
	ID         string `redis:"id"`      // connection id
	UserID     string `redis:"user_id"` // authenticated owner
	Server     string `redis:"server"`  // which chat server instance
	RemoteAddr string `redis:"remote_addr"`
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages channel sessions in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// Dial connects to Redis and verifies the connection with a PING.
func Dial(redisAddr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore wraps an existing Redis client. serverName identifies this process
// in every session it writes.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create records a freshly opened channel for userID.
func (s *Store) Create(ctx context.Context, connID, userID, remoteAddr string) error {
	key := SessionPrefix + connID
	userKey := UserSessionsPrefix + userID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, userKey, connID)
	pipe.Expire(ctx, userKey, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a session. It returns nil, nil when the session is absent.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+connID).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// ConnectionsOf lists the connection ids mirrored for userID across all
// servers.
func (s *Store) ConnectionsOf(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, UserSessionsPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", userID, err)
	}
	return ids, nil
}

// Touch updates last_active and extends the TTL of a live session.
func (s *Store) Touch(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Expire(ctx, UserSessionsPrefix+userID, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session and its entry in the owner's set.
func (s *Store) Delete(ctx context.Context, connID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, SessionPrefix+connID)
	pipe.SRem(ctx, UserSessionsPrefix+userID, connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
