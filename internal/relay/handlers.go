package relay

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unspoken/chat-app/internal/messaging"
	"github.com/unspoken/chat-app/internal/metrics"
	"github.com/unspoken/chat-app/internal/presence"
	"github.com/unspoken/chat-app/internal/protocol"
	"github.com/unspoken/chat-app/internal/ratelimit"
)

const storeTimeout = 3 * time.Second

// Handlers routes decoded frames to the room, presence, and delivery
// layers. The relay never inspects key or ciphertext fields; it only moves
// them between the two occupants of a room.
type Handlers struct {
	log      *logrus.Entry
	registry *Registry
	rooms    *RoomStore
	presence *presence.Store
	nats     *messaging.NATSClient
	limiter  *ratelimit.Limiter
}

// NewHandlers wires the frame router to its backing stores.
func NewHandlers(registry *Registry, rooms *RoomStore, pres *presence.Store, nats *messaging.NATSClient, limiter *ratelimit.Limiter) *Handlers {
	return &Handlers{
		log:      logrus.WithField("component", "relay"),
		registry: registry,
		rooms:    rooms,
		presence: pres,
		nats:     nats,
		limiter:  limiter,
	}
}

// Dispatch handles one inbound text frame from a connection. Malformed
// frames and unknown actions get an error frame back; everything else is
// routed by action tag. Every action except login requires a bound
// identity.
func (h *Handlers) Dispatch(conn *Conn, data []byte) {
	started := time.Now()

	env, err := protocol.Decode(data)
	if err != nil {
		h.log.WithError(err).WithField("conn", conn.ID).Debug("undecodable frame")
		h.sendError(conn, "invalid message format")
		return
	}
	metrics.FramesTotal.WithLabelValues(env.Action).Inc()

	if env.Action == protocol.ActionLogin {
		h.handleLogin(conn, env)
		return
	}
	userID := conn.UserID()
	if userID == "" {
		h.sendError(conn, "login required")
		return
	}

	switch env.Action {
	case protocol.ActionCreateRoom:
		h.handleCreateRoom(conn, userID)
	case protocol.ActionJoinRoom:
		h.handleJoinRoom(conn, userID, env)
	case protocol.ActionLeaveRoom:
		h.handleLeaveRoom(conn, userID, env)
	case protocol.ActionTyping:
		h.handleRelay(conn, userID, env, protocol.ActionTyping)
	case protocol.ActionSendMessage:
		h.handleRelay(conn, userID, env, protocol.ActionNewMessage)
	default:
		// Server-to-client tags arriving inbound; nothing to do with them.
		h.log.WithFields(logrus.Fields{"conn": conn.ID, "action": env.Action}).Debug("ignoring frame")
		return
	}

	metrics.RelayLatency.Observe(time.Since(started).Seconds())
}

// handleLogin binds the announced identity to the connection, records
// presence with the public key, and subscribes the instance to the user's
// delivery inbox.
func (h *Handlers) handleLogin(conn *Conn, env protocol.Envelope) {
	if !env.Has(protocol.FieldUserID, protocol.FieldPublicKey) {
		h.sendError(conn, "login requires user_id and public_key")
		return
	}
	userID := env.Get(protocol.FieldUserID)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.presence.Login(ctx, userID, env.Get(protocol.FieldPublicKey)); err != nil {
		h.log.WithError(err).WithField("user", userID).Error("presence login failed")
		h.sendError(conn, "internal error")
		return
	}

	h.registry.Bind(conn, userID)
	metrics.UsersOnline.Inc()

	if err := h.nats.SubscribeInbox(userID, func(data []byte) {
		h.deliverLocal(userID, data)
	}); err != nil {
		h.log.WithError(err).WithField("user", userID).Error("inbox subscribe failed")
	}

	h.log.WithField("user", userID).Info("user logged in")
}

func (h *Handlers) handleCreateRoom(conn *Conn, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if allowed, _ := h.limiter.Allow(ctx, userID, ratelimit.RuleRoom); !allowed {
		h.sendError(conn, "too many room requests")
		return
	}

	rec, err := h.presence.Get(ctx, userID)
	if err != nil || rec == nil {
		h.log.WithError(err).WithField("user", userID).Error("presence lookup failed")
		h.sendError(conn, "internal error")
		return
	}

	roomID, err := h.rooms.Create(ctx, userID, rec.PublicKey)
	if err != nil {
		h.log.WithError(err).WithField("user", userID).Error("room create failed")
		h.sendError(conn, "internal error")
		return
	}
	_ = h.presence.SetRoom(ctx, userID, roomID, RoleHost)
	metrics.OpenRooms.Inc()

	h.reply(conn, protocol.New(protocol.ActionRoomCreated, map[string]string{
		protocol.FieldRoomID: roomID,
		protocol.FieldRole:   RoleHost,
	}))
	h.log.WithFields(logrus.Fields{"user": userID, "room": roomID}).Info("room created")
}

// handleJoinRoom claims the guest slot. The ack carries the host's key so
// the guest can encrypt immediately; the host learns the guest's key
// through the user_joined notification.
func (h *Handlers) handleJoinRoom(conn *Conn, userID string, env protocol.Envelope) {
	if !env.Has(protocol.FieldRoomID) {
		h.sendError(conn, "join_room requires room_id")
		return
	}
	roomID := env.Get(protocol.FieldRoomID)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if allowed, _ := h.limiter.Allow(ctx, userID, ratelimit.RuleRoom); !allowed {
		h.sendError(conn, "too many room requests")
		return
	}

	rec, err := h.presence.Get(ctx, userID)
	if err != nil || rec == nil {
		h.log.WithError(err).WithField("user", userID).Error("presence lookup failed")
		h.sendError(conn, "internal error")
		return
	}

	room, err := h.rooms.Join(ctx, roomID, userID, rec.PublicKey)
	if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrRoomFull) {
		h.sendError(conn, "Room not found or already full")
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("room", roomID).Error("room join failed")
		h.sendError(conn, "internal error")
		return
	}
	_ = h.presence.SetRoom(ctx, userID, roomID, RoleGuest)

	h.reply(conn, protocol.New(protocol.ActionRoomJoined, map[string]string{
		protocol.FieldRoomID:     roomID,
		protocol.FieldRole:       RoleGuest,
		protocol.FieldPeerUserID: room.HostUser,
		protocol.FieldPeerKey:    room.HostKey,
	}))

	h.forward(room.HostUser, protocol.New(protocol.ActionUserJoined, map[string]string{
		protocol.FieldRoomID:     roomID,
		protocol.FieldRole:       RoleGuest,
		protocol.FieldPeerUserID: userID,
		protocol.FieldPeerKey:    rec.PublicKey,
	}))
	h.log.WithFields(logrus.Fields{"user": userID, "room": roomID}).Info("room joined")
}

// handleLeaveRoom vacates the caller's slot and notifies the peer. A stale
// leave (the room already closed under the caller, typically the guest's
// ack of a room_closed) is benign and produces no error frame.
func (h *Handlers) handleLeaveRoom(conn *Conn, userID string, env protocol.Envelope) {
	if !env.Has(protocol.FieldRoomID, protocol.FieldRole) {
		h.sendError(conn, "leave_room requires room_id and role")
		return
	}
	roomID := env.Get(protocol.FieldRoomID)
	role := env.Get(protocol.FieldRole)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	closed, peerUserID, err := h.rooms.Leave(ctx, roomID, role, userID)
	if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrNotInRoom) {
		_ = h.presence.ClearRoom(ctx, userID)
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("room", roomID).Error("room leave failed")
		return
	}
	_ = h.presence.ClearRoom(ctx, userID)

	if peerUserID != "" {
		h.forward(peerUserID, protocol.New(protocol.ActionUserLeft, map[string]string{
			protocol.FieldRoomID: roomID,
			protocol.FieldRole:   role,
		}))
		if closed {
			h.forward(peerUserID, protocol.New(protocol.ActionRoomClosed, map[string]string{
				protocol.FieldRoomID: roomID,
			}))
		}
	}
	if closed {
		metrics.OpenRooms.Dec()
	}
	h.log.WithFields(logrus.Fields{"user": userID, "room": roomID, "closed": closed}).Info("room left")
}

// handleRelay forwards an encrypted typing or message frame to the other
// occupant of the room. The payload fields pass through untouched.
func (h *Handlers) handleRelay(conn *Conn, userID string, env protocol.Envelope, outAction string) {
	if !env.Has(protocol.FieldRoomID, protocol.FieldRole, protocol.FieldEncryptedKey, protocol.FieldContent) {
		h.sendError(conn, "missing encrypted payload fields")
		return
	}
	roomID := env.Get(protocol.FieldRoomID)
	role := env.Get(protocol.FieldRole)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if outAction == protocol.ActionNewMessage {
		if allowed, _ := h.limiter.Allow(ctx, userID, ratelimit.RuleMessage); !allowed {
			h.sendError(conn, "sending too fast")
			return
		}
	}

	room, err := h.rooms.Get(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) {
		h.sendError(conn, "Room not found or already full")
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("room", roomID).Error("room lookup failed")
		return
	}
	if room.Occupant(role) != userID {
		h.sendError(conn, "not in this room")
		return
	}

	other := room.Other(role)
	if other == "" {
		// Host typing into an empty room; nobody to deliver to.
		return
	}

	h.forward(other, protocol.New(outAction, map[string]string{
		protocol.FieldRoomID:       roomID,
		protocol.FieldRole:         role,
		protocol.FieldEncryptedKey: env.Get(protocol.FieldEncryptedKey),
		protocol.FieldContent:      env.Get(protocol.FieldContent),
	}))
}

// HandleDisconnect cleans up after a dropped connection: the user's slot is
// vacated as if a leave_room had arrived, presence is deleted, and the
// inbox subscription is dropped.
func (h *Handlers) HandleDisconnect(conn *Conn) {
	userID := conn.UserID()
	if userID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rec, err := h.presence.Get(ctx, userID)
	if err == nil && rec != nil && rec.RoomID != "" {
		closed, peerUserID, err := h.rooms.Leave(ctx, rec.RoomID, rec.Role, userID)
		if err == nil && peerUserID != "" {
			h.forward(peerUserID, protocol.New(protocol.ActionUserLeft, map[string]string{
				protocol.FieldRoomID: rec.RoomID,
				protocol.FieldRole:   rec.Role,
			}))
			if closed {
				h.forward(peerUserID, protocol.New(protocol.ActionRoomClosed, map[string]string{
					protocol.FieldRoomID: rec.RoomID,
				}))
			}
		}
		if err == nil && closed {
			metrics.OpenRooms.Dec()
		}
	}

	_ = h.nats.UnsubscribeInbox(userID)
	if err := h.presence.Delete(ctx, userID); err != nil {
		h.log.WithError(err).WithField("user", userID).Warn("presence delete failed")
	}
	metrics.UsersOnline.Dec()
	h.log.WithField("user", userID).Info("user disconnected")
}

// forward publishes a frame to a user's inbox; whichever instance holds the
// connection delivers it.
func (h *Handlers) forward(userID string, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		h.log.WithError(err).WithField("action", env.Action).Error("encode failed")
		return
	}
	if err := h.nats.PublishInbox(userID, data); err != nil {
		metrics.DeliveryFailures.Inc()
		h.log.WithError(err).WithField("user", userID).Warn("inbox publish failed")
	}
}

// deliverLocal writes an inbox frame to the user's local connection. A
// missing connection means the user moved instances or dropped between
// publish and delivery; the frame is discarded, never queued.
func (h *Handlers) deliverLocal(userID string, data []byte) {
	c := h.registry.GetByUser(userID)
	if c == nil {
		metrics.DeliveryFailures.Inc()
		return
	}
	if err := c.WriteText(data); err != nil {
		metrics.DeliveryFailures.Inc()
		h.log.WithError(err).WithField("user", userID).Warn("delivery write failed")
	}
}

// reply writes a frame directly to the acting connection.
func (h *Handlers) reply(conn *Conn, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		h.log.WithError(err).WithField("action", env.Action).Error("encode failed")
		return
	}
	if err := conn.WriteText(data); err != nil {
		h.log.WithError(err).WithField("conn", conn.ID).Warn("reply write failed")
	}
}

func (h *Handlers) sendError(conn *Conn, message string) {
	h.reply(conn, protocol.New(protocol.ActionError, map[string]string{
		protocol.FieldMessage: message,
	}))
}
