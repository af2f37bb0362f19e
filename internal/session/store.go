package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/pairing/internal/config"
)

const (
	// SessionPrefix is the Redis key prefix for all presence hashes.
	SessionPrefix = "pair:session:"

	// SessionTTL is the time-to-live for presence keys in Redis.
	SessionTTL = 1 * time.Hour

	// Presence statuses.
	StatusIdle     = "idle"
	StatusMatching = "matching"
	StatusInRoom   = "in_room"
)

// Session is a participant's presence as mirrored in Redis.
type Session struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`  // idle | matching | in_room
	RoomID     string `redis:"room_id"` // empty unless in_room
	PoolKey    string `redis:"pool_key"`
	Server     string `redis:"server"` // which server instance holds the socket
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store mirrors presence in Redis. The in-process resolver stays the source
// of truth; the mirror is written after each decision.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a presence store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new idle presence with the default TTL.
func (s *Store) Create(ctx context.Context, id string) error {
	key := SessionPrefix + id
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":          id,
		"status":      StatusIdle,
		"room_id":     "",
		"pool_key":    "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a presence record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	key := SessionPrefix + id
	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// SetMatching marks id as waiting in poolKey.
func (s *Store) SetMatching(ctx context.Context, id, poolKey string) error {
	return s.update(ctx, id, "status", StatusMatching, "pool_key", poolKey, "room_id", "")
}

// SetRoom marks id as paired in roomID.
func (s *Store) SetRoom(ctx context.Context, id, roomID string) error {
	return s.update(ctx, id, "status", StatusInRoom, "room_id", roomID, "pool_key", "")
}

// SetIdle clears room and pool.
func (s *Store) SetIdle(ctx context.Context, id string) error {
	return s.update(ctx, id, "status", StatusIdle, "room_id", "", "pool_key", "")
}

func (s *Store) update(ctx context.Context, id string, values ...interface{}) error {
	key := SessionPrefix + id
	values = append(values, "last_active", time.Now().Unix())

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, values...)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RefreshTTL extends the presence TTL.
func (s *Store) RefreshTTL(ctx context.Context, id string) error {
	return s.client.Expire(ctx, SessionPrefix+id, SessionTTL).Err()
}

// Delete removes a presence record.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, SessionPrefix+id).Err()
}
