// Package presence tracks which users are online, which relay instance
// holds their connection, and which room they currently occupy. State is
// ephemeral and Redis-backed so every relay instance shares one view.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Prefix is the Redis key prefix for all presence hashes.
	Prefix = "presence:"

	// TTL is the time-to-live for presence keys. Activity refreshes it;
	// a crashed relay leaves entries to expire on their own.
	TTL = 1 * time.Hour
)

// Record is a user's presence state stored in Redis. PublicKey is the
// base64 key material announced at login, held opaquely for forwarding.
type Record struct {
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which relay instance
	PublicKey  string `redis:"public_key"`  // base64, never parsed here
	RoomID     string `redis:"room_id"`     // empty if not in a room
	Role       string `redis:"role"`        // host | guest | empty
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Login records a user as online on this instance with their announced
// public key. A re-login overwrites the previous record.
func (s *Store) Login(ctx context.Context, userID, publicKey string) error {
	key := Prefix + userID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"user_id":     userID,
		"server":      s.serverName,
		"public_key":  publicKey,
		"room_id":     "",
		"role":        "",
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a user's presence record. Returns nil if the user is not
// online.
func (s *Store) Get(ctx context.Context, userID string) (*Record, error) {
	key := Prefix + userID
	var record Record
	err := s.client.HGetAll(ctx, key).Scan(&record)
	if err != nil {
		return nil, err
	}
	if record.UserID == "" {
		return nil, nil // not online
	}
	return &record, nil
}

// SetRoom records the room and role a user occupies and refreshes the TTL.
func (s *Store) SetRoom(ctx context.Context, userID, roomID, role string) error {
	key := Prefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "room_id", roomID, "role", role, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ClearRoom removes the user's room membership.
func (s *Store) ClearRoom(ctx context.Context, userID string) error {
	key := Prefix + userID
	return s.client.HSet(ctx, key, "room_id", "", "role", "", "last_active", time.Now().Unix()).Err()
}

// RefreshTTL extends a record's TTL, called from the heartbeat path.
func (s *Store) RefreshTTL(ctx context.Context, userID string) error {
	key := Prefix + userID
	return s.client.Expire(ctx, key, TTL).Err()
}

// Delete removes a presence record, called when the connection drops.
func (s *Store) Delete(ctx context.Context, userID string) error {
	key := Prefix + userID
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
