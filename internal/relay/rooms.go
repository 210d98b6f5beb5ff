package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// RoomPrefix is the Redis key prefix for room hashes.
	RoomPrefix = "room:"

	// roomCounterKey is the counter behind room ID allocation. It is seeded
	// so the first allocated room is "1000"; four-digit IDs are what clients
	// validate against.
	roomCounterKey  = "room:next_id"
	roomCounterSeed = 999

	// RoomTTL bounds how long an abandoned room can linger in Redis. Every
	// state change refreshes it; rooms are ephemeral and never archived.
	RoomTTL = 2 * time.Hour

	RoleHost  = "host"
	RoleGuest = "guest"
)

// Room store failure modes, mapped to relay error frames by the handlers.
var (
	ErrRoomNotFound = errors.New("relay: room not found")
	ErrRoomFull     = errors.New("relay: room already full")
	ErrNotInRoom    = errors.New("relay: user not in room")
)

// Room is the relay-side view of a two-slot room. Keys are opaque base64
// strings; the relay forwards them without ever parsing the key material.
type Room struct {
	RoomID    string
	HostUser  string
	HostKey   string
	GuestUser string
	GuestKey  string
	CreatedAt int64
}

// Occupant returns the user ID holding the given role, or "".
func (r *Room) Occupant(role string) string {
	if role == RoleHost {
		return r.HostUser
	}
	return r.GuestUser
}

// Other returns the user ID holding the opposite role, or "".
func (r *Room) Other(role string) string {
	if role == RoleHost {
		return r.GuestUser
	}
	return r.HostUser
}

// RoomStore manages room state in Redis so any relay instance can resolve
// any room.
type RoomStore struct {
	rdb         *redis.Client
	joinScript  *redis.Script
	leaveScript *redis.Script
}

// NewRoomStore creates a room store backed by the given Redis client.
func NewRoomStore(rdb *redis.Client) *RoomStore {
	return &RoomStore{
		rdb:         rdb,
		joinScript:  redis.NewScript(joinRoomLua),
		leaveScript: redis.NewScript(leaveRoomLua),
	}
}

// Create allocates the next room ID and stores the room with the creator in
// the host slot. The host's public key rides along so a joining guest can
// be handed it in the same round trip.
func (s *RoomStore) Create(ctx context.Context, hostUserID, hostKey string) (string, error) {
	// Seed once so the sequence starts at 1000; INCR does the rest.
	if err := s.rdb.SetNX(ctx, roomCounterKey, roomCounterSeed, 0).Err(); err != nil {
		return "", fmt.Errorf("relay: seed room counter: %w", err)
	}
	n, err := s.rdb.Incr(ctx, roomCounterKey).Result()
	if err != nil {
		return "", fmt.Errorf("relay: allocate room id: %w", err)
	}
	roomID := strconv.FormatInt(n, 10)

	key := RoomPrefix + roomID
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"host_user":  hostUserID,
		"host_key":   hostKey,
		"guest_user": "",
		"guest_key":  "",
		"created_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, RoomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("relay: create room %s: %w", roomID, err)
	}
	return roomID, nil
}

// Get retrieves a room. Returns ErrRoomNotFound if it does not exist.
func (s *RoomStore) Get(ctx context.Context, roomID string) (*Room, error) {
	result, err := s.rdb.HGetAll(ctx, RoomPrefix+roomID).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: get room %s: %w", roomID, err)
	}
	if len(result) == 0 {
		return nil, ErrRoomNotFound
	}

	createdAt, _ := strconv.ParseInt(result["created_at"], 10, 64)
	return &Room{
		RoomID:    roomID,
		HostUser:  result["host_user"],
		HostKey:   result["host_key"],
		GuestUser: result["guest_user"],
		GuestKey:  result["guest_key"],
		CreatedAt: createdAt,
	}, nil
}

// Join atomically claims the guest slot. Two guests racing for the same
// room resolve inside the script; the loser gets ErrRoomFull. On success
// the returned room carries the host identity and key for the ack frame.
func (s *RoomStore) Join(ctx context.Context, roomID, guestUserID, guestKey string) (*Room, error) {
	key := RoomPrefix + roomID
	res, err := s.joinScript.Run(ctx, s.rdb, []string{key},
		guestUserID, guestKey, int(RoomTTL.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: join room %s: %w", roomID, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) == 0 {
		return nil, fmt.Errorf("relay: join room %s: unexpected script reply %v", roomID, res)
	}
	switch vals[0].(int64) {
	case -1:
		return nil, ErrRoomNotFound
	case -2:
		return nil, ErrRoomFull
	}

	return &Room{
		RoomID:    roomID,
		HostUser:  vals[1].(string),
		HostKey:   vals[2].(string),
		GuestUser: guestUserID,
		GuestKey:  guestKey,
	}, nil
}

// Leave atomically vacates the caller's slot. A departing host closes the
// room: the hash is deleted and closed=true is returned. The peer's user ID
// (or "") comes back so the caller can notify them.
func (s *RoomStore) Leave(ctx context.Context, roomID, role, userID string) (closed bool, peerUserID string, err error) {
	if role != RoleHost && role != RoleGuest {
		return false, "", ErrNotInRoom
	}
	key := RoomPrefix + roomID
	res, err := s.leaveScript.Run(ctx, s.rdb, []string{key}, role, userID).Result()
	if err != nil {
		return false, "", fmt.Errorf("relay: leave room %s: %w", roomID, err)
	}

	// Error replies are single-element tables; only success carries the
	// peer slot.
	vals, ok := res.([]interface{})
	if !ok || len(vals) == 0 {
		return false, "", fmt.Errorf("relay: leave room %s: unexpected script reply %v", roomID, res)
	}
	switch vals[0].(int64) {
	case -1:
		return false, "", ErrRoomNotFound
	case -3:
		return false, "", ErrNotInRoom
	case 1:
		closed = true
	}
	if len(vals) > 1 {
		peerUserID, _ = vals[1].(string)
	}
	return closed, peerUserID, nil
}

// Delete removes a room unconditionally, used by disconnect cleanup.
func (s *RoomStore) Delete(ctx context.Context, roomID string) error {
	return s.rdb.Del(ctx, RoomPrefix+roomID).Err()
}

// joinRoomLua claims the guest slot if the room exists and is not full.
// Returns {-1} room not found, {-2} full, {0, host_user, host_key} success.
const joinRoomLua = `
local key = KEYS[1]
local guest_user = ARGV[1]
local guest_key = ARGV[2]
local ttl = tonumber(ARGV[3])

local host_user = redis.call('HGET', key, 'host_user')
if not host_user then return {-1} end

local guest = redis.call('HGET', key, 'guest_user')
if guest and guest ~= '' then return {-2} end

redis.call('HSET', key, 'guest_user', guest_user, 'guest_key', guest_key)
redis.call('EXPIRE', key, ttl)

local host_key = redis.call('HGET', key, 'host_key')
return {0, host_user, host_key}
`

// leaveRoomLua vacates one slot. A departing host deletes the room.
// Returns {-1} room not found, {-3} slot not held by the user,
// {1, peer_user} room closed, {0, peer_user} slot vacated.
const leaveRoomLua = `
local key = KEYS[1]
local role = ARGV[1]
local user_id = ARGV[2]

local host_user = redis.call('HGET', key, 'host_user')
if not host_user then return {-1} end

local occupant
if role == 'host' then
    occupant = host_user
else
    occupant = redis.call('HGET', key, 'guest_user')
end
if occupant ~= user_id then return {-3} end

local other
if role == 'host' then
    other = redis.call('HGET', key, 'guest_user')
    redis.call('DEL', key)
    return {1, other}
end

other = host_user
redis.call('HSET', key, 'guest_user', '', 'guest_key', '')
return {0, other}
`
