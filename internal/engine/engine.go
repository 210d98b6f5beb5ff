// Package engine implements the client-side session protocol: room
// lifecycle, key exchange, hybrid encryption of every message and keystroke,
// and the state machine reconciling relay events with local state. The UI
// layer drives it through intents and observes it through snapshots; the
// transport feeds it through the event handler installed at dial time.
package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unspoken/chat-app/internal/crypto"
	"github.com/unspoken/chat-app/internal/protocol"
	"github.com/unspoken/chat-app/internal/transport"
)

// TransportFactory produces a fresh transport for each connection attempt.
// SetServerAddress tears the old transport down and dials a new one.
type TransportFactory func() transport.Transport

// Config holds engine tunables.
type Config struct {
	// KeyBits is the RSA modulus size for the session keypair.
	KeyBits int
	// GraceUnit scales the delay between an inbound room_closed and the
	// automatic leave. The leave fires after 2*GraceUnit so the user can
	// read the closure notice.
	GraceUnit time.Duration
	// DialTimeout bounds the single connection attempt.
	DialTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		KeyBits:     crypto.DefaultKeyBits,
		GraceUnit:   time.Second,
		DialTimeout: 10 * time.Second,
	}
}

// Snapshot is the sole read surface the UI depends on. A new snapshot is
// published to the subscriber on every state transition.
type Snapshot struct {
	State           State
	Messages        []Entry
	TypingIndicator string
	RoomOpen        bool
	RoomID          string
	Role            Role
	PeerPresent     bool
	LastError       string
}

// Engine is the protocol façade for one chat session. It owns the identity,
// the key ring, and the room state exclusively; a single mutex serializes
// user intents against transport events so every transition is atomic.
// The snapshot subscriber is invoked outside the lock and must not call
// back into the engine.
type Engine struct {
	cfg     Config
	log     *logrus.Entry
	userID  string
	ring    *crypto.KeyRing
	factory TransportFactory

	mu         sync.Mutex
	tr         transport.Transport
	state      State
	room       RoomSession
	conv       conversation
	closeTimer *time.Timer
	keyReady   chan struct{}
	subscriber func(Snapshot)
	lastError  string
}

// New creates an engine for one session. The key ring is owned by the
// engine from here on; keypair generation starts immediately in the
// background so it stays off the intent and event paths.
func New(cfg Config, userID string, ring *crypto.KeyRing, factory TransportFactory) *Engine {
	if cfg.KeyBits == 0 {
		cfg.KeyBits = crypto.DefaultKeyBits
	}
	if cfg.GraceUnit == 0 {
		cfg.GraceUnit = time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	e := &Engine{
		cfg:     cfg,
		log:     logrus.WithFields(logrus.Fields{"component": "engine", "user": userID}),
		userID:  userID,
		ring:    ring,
		factory: factory,
		state:   StateDisconnected,
	}
	e.mu.Lock()
	e.regenerateKeysLocked()
	e.mu.Unlock()
	return e
}

// Subscribe registers the snapshot observer. Only one subscriber is
// supported; registering again replaces the previous one.
func (e *Engine) Subscribe(fn func(Snapshot)) {
	e.mu.Lock()
	e.subscriber = fn
	e.mu.Unlock()
}

// UserID returns the session-scoped opaque identifier.
func (e *Engine) UserID() string { return e.userID }

// SetServerAddress tears down any existing connection, resets all key
// material (a new address is a new cryptographic session), regenerates the
// local keypair, and dials the relay once. Connection failure is terminal:
// the engine stays Disconnected and the error is surfaced.
func (e *Engine) SetServerAddress(host, port string) error {
	e.mu.Lock()
	if e.tr != nil {
		_ = e.tr.Close()
		e.tr = nil
	}
	e.cancelCloseTimerLocked()
	e.state = StateDisconnected
	e.room.reset()
	e.conv.clear()
	e.ring.Reset()
	e.regenerateKeysLocked()

	tr := e.factory()
	tr.OnEvent(func(ev transport.Event) { e.handleTransportEvent(tr, ev) })
	e.tr = tr
	e.mu.Unlock()
	e.notify()

	url := fmt.Sprintf("ws://%s:%s/ws", host, port)
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DialTimeout)
	defer cancel()
	if err := tr.Connect(ctx, url); err != nil {
		// Already surfaced through the event path; no retry.
		return err
	}
	return nil
}

// Login announces the session identity and public key to the relay. It
// waits for background key generation to finish, since the login frame
// carries the exported public key.
func (e *Engine) Login() error {
	e.mu.Lock()
	ready := e.keyReady
	e.mu.Unlock()
	<-ready

	e.mu.Lock()
	defer e.unlockAndNotify()

	if e.state != StateConnected {
		return ErrInvalidState
	}
	local := e.ring.Local()
	if local == nil {
		return ErrKeysNotReady
	}
	der, err := crypto.ExportPublicKey(local.Public)
	if err != nil {
		return err
	}
	err = e.sendLocked(protocol.New(protocol.ActionLogin, map[string]string{
		protocol.FieldUserID:    e.userID,
		protocol.FieldPublicKey: base64.StdEncoding.EncodeToString(der),
	}))
	if err != nil {
		return err
	}
	e.state = StateLoggedIn
	e.log.Info("logged in")
	return nil
}

// CreateRoom asks the relay for a new room with this client as host.
func (e *Engine) CreateRoom() error {
	e.mu.Lock()
	defer e.unlockAndNotify()

	if e.state != StateLoggedIn && e.state != StateConnected {
		return ErrInvalidState
	}
	if err := e.sendLocked(protocol.New(protocol.ActionCreateRoom, nil)); err != nil {
		return err
	}
	e.state = StateRoomPending
	e.room = RoomSession{Role: RoleHost}
	return nil
}

// JoinRoom asks the relay to join an existing room as guest.
func (e *Engine) JoinRoom(roomID string) error {
	e.mu.Lock()
	defer e.unlockAndNotify()

	if roomID == "" {
		return ErrEmptyRoomID
	}
	if e.state != StateLoggedIn && e.state != StateConnected {
		return ErrInvalidState
	}
	err := e.sendLocked(protocol.New(protocol.ActionJoinRoom, map[string]string{
		protocol.FieldRoomID: roomID,
	}))
	if err != nil {
		return err
	}
	e.state = StateRoomPending
	e.room = RoomSession{Role: RoleGuest, RoomID: roomID}
	return nil
}

// LeaveRoom leaves the current room. Exactly one leave_room frame is
// emitted no matter how the leave is triggered: a manual leave during the
// room_closed grace period cancels the pending automatic one.
func (e *Engine) LeaveRoom() error {
	e.mu.Lock()
	defer e.unlockAndNotify()

	switch e.state {
	case StateRoomPending, StateRoomActive, StateClosing:
		return e.leaveLocked()
	default:
		return ErrInvalidState
	}
}

// SendMessage hybrid-encrypts text and sends it to the peer. The local echo
// is appended immediately, without waiting for any acknowledgment.
func (e *Engine) SendMessage(text string) error {
	e.mu.Lock()
	defer e.unlockAndNotify()

	env, err := e.encryptedFrameLocked(protocol.ActionSendMessage, text)
	if err != nil {
		return err
	}
	if err := e.sendLocked(env); err != nil {
		return err
	}
	e.conv.append(text, OriginLocal)
	return nil
}

// SendTyping hybrid-encrypts the current input text and sends it as a
// typing update. No local entry is produced.
func (e *Engine) SendTyping(text string) error {
	e.mu.Lock()
	defer e.unlockAndNotify()

	env, err := e.encryptedFrameLocked(protocol.ActionTyping, text)
	if err != nil {
		return err
	}
	return e.sendLocked(env)
}

// Close tears the session down: cancels timers, closes the transport, and
// drops all key material.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.unlockAndNotify()

	e.cancelCloseTimerLocked()
	var err error
	if e.tr != nil {
		err = e.tr.Close()
		e.tr = nil
	}
	e.state = StateDisconnected
	e.room.reset()
	e.ring.Reset()
	return err
}

// Snapshot returns the current observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// handleTransportEvent is the transport's entry point into the engine. It
// is called sequentially from the transport's reader goroutine. Events are
// accepted only from the current transport: a replaced connection's reader
// still emits a final disconnect after Close, and applying it would tear
// down the fresh session.
func (e *Engine) handleTransportEvent(src transport.Transport, ev transport.Event) {
	e.mu.Lock()
	defer e.unlockAndNotify()

	if src != e.tr {
		e.log.Debug("dropping event from replaced transport")
		return
	}

	switch ev.Kind {
	case transport.EventConnected:
		if e.state == StateDisconnected {
			e.state = StateConnected
		}

	case transport.EventDisconnected:
		if e.state != StateDisconnected {
			e.cancelCloseTimerLocked()
			e.state = StateDisconnected
			e.room.reset()
			e.ring.ClearPeer()
			e.conv.append("Disconnected from server", OriginSystem)
		}

	case transport.EventError:
		if ev.Err != nil {
			e.lastError = ev.Err.Error()
			e.log.WithError(ev.Err).Warn("transport error")
		}

	case transport.EventText:
		e.applyFrameLocked(ev.Data)
	}
}

// ---------------------------------------------------------------------------
// Inbound event application
// ---------------------------------------------------------------------------

// applyFrameLocked decodes and applies one inbound frame. Decode failures
// and events whose required fields are missing are dropped with a log line;
// nothing inbound can crash the session.
func (e *Engine) applyFrameLocked(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		e.log.WithError(err).Debug("dropping undecodable frame")
		return
	}

	switch env.Action {
	case protocol.ActionRoomCreated, protocol.ActionRoomJoined:
		e.onRoomAckLocked(env)
	case protocol.ActionUserJoined:
		e.onUserJoinedLocked(env)
	case protocol.ActionUserLeft:
		e.onUserLeftLocked(env)
	case protocol.ActionRoomClosed:
		e.onRoomClosedLocked()
	case protocol.ActionTyping:
		if text, ok := e.openEncryptedLocked(env); ok {
			e.conv.setTyping(text)
		}
	case protocol.ActionNewMessage:
		if text, ok := e.openEncryptedLocked(env); ok {
			e.conv.clearTyping()
			e.conv.append(text, OriginRemote)
		}
	case protocol.ActionError:
		e.lastError = env.Get(protocol.FieldMessage)
		e.log.WithField("message", e.lastError).Warn("relay error")
	default:
		// Server-only inbound tags the client never consumes.
		e.log.WithField("action", env.Action).Debug("ignoring frame")
	}
}

func (e *Engine) onRoomAckLocked(env protocol.Envelope) {
	if e.state != StateRoomPending {
		e.log.WithField("action", env.Action).Debug("room ack outside pending state, dropping")
		return
	}
	if !env.Has(protocol.FieldRoomID, protocol.FieldRole) {
		e.log.Warn("room ack missing required fields, dropping")
		return
	}
	e.room.RoomID = env.Get(protocol.FieldRoomID)
	e.room.Role = Role(env.Get(protocol.FieldRole))
	e.room.PeerPresent = false
	e.state = StateRoomActive

	if e.room.Role == RoleHost {
		e.conv.append(fmt.Sprintf("Room %s created, waiting for a guest", e.room.RoomID), OriginSystem)
	} else {
		e.conv.append(fmt.Sprintf("Joined room %s", e.room.RoomID), OriginSystem)
	}

	// room_joined may carry the host's key so the guest can talk at once.
	if env.Get(protocol.FieldPeerKey) != "" {
		e.installPeerLocked(env.Get(protocol.FieldPeerUserID), env.Get(protocol.FieldPeerKey), "Host joined")
	}
}

func (e *Engine) onUserJoinedLocked(env protocol.Envelope) {
	if e.state != StateRoomActive {
		return
	}
	if !env.Has(protocol.FieldPeerKey) {
		e.log.Warn("user_joined without peer key, dropping")
		return
	}
	e.installPeerLocked(env.Get(protocol.FieldPeerUserID), env.Get(protocol.FieldPeerKey), "Guest joined")
}

func (e *Engine) onUserLeftLocked(env protocol.Envelope) {
	if e.state != StateRoomActive {
		return
	}
	e.ring.ClearPeer()
	e.room.PeerPresent = false
	e.room.PeerUserID = ""
	e.conv.clearTyping()
	e.conv.append("Peer left the room", OriginSystem)
}

// onRoomClosedLocked handles the host tearing the room down. The session
// lingers in Closing for a fixed grace period so the user can read the
// notice, then leaves automatically unless a manual leave got there first.
func (e *Engine) onRoomClosedLocked() {
	if e.state != StateRoomActive {
		return
	}
	e.state = StateClosing
	e.conv.append("Room closed by host", OriginSystem)

	e.cancelCloseTimerLocked()
	e.closeTimer = time.AfterFunc(2*e.cfg.GraceUnit, func() {
		e.mu.Lock()
		defer e.unlockAndNotify()
		if e.state != StateClosing {
			return
		}
		if err := e.leaveLocked(); err != nil {
			e.log.WithError(err).Warn("automatic leave failed")
		}
	})
}

// installPeerLocked imports and installs a peer public key. The most recent
// key always replaces the previous one.
func (e *Engine) installPeerLocked(peerUserID, keyB64, notice string) {
	der, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		e.log.WithError(err).Warn("peer key not base64, dropping")
		return
	}
	pub, err := crypto.ImportPeerPublicKey(der)
	if err != nil {
		e.log.WithError(err).Warn("peer key rejected")
		return
	}
	e.ring.InstallPeer(pub)
	e.room.PeerUserID = peerUserID
	e.room.PeerPresent = true
	e.conv.append(notice, OriginSystem)
}

// openEncryptedLocked hybrid-decrypts an inbound typing or new_message
// frame. Frames arriving with no peer present or before the local keypair
// is ready are dropped: there is nothing to decrypt them with, and the
// relay should not have forwarded them.
func (e *Engine) openEncryptedLocked(env protocol.Envelope) (string, bool) {
	if e.state != StateRoomActive || !e.room.PeerPresent {
		e.log.WithField("action", env.Action).Debug("encrypted frame with no peer, dropping")
		return "", false
	}
	if !env.Has(protocol.FieldEncryptedKey, protocol.FieldContent) {
		e.log.WithField("action", env.Action).Warn("encrypted frame missing fields, dropping")
		return "", false
	}
	local := e.ring.Local()
	if local == nil {
		e.log.Warn("encrypted frame before local keys ready, dropping")
		return "", false
	}
	plaintext, err := crypto.OpenHybrid(env.Get(protocol.FieldEncryptedKey), env.Get(protocol.FieldContent), local.Private)
	if err != nil {
		e.log.WithError(err).Warn("failed to decrypt inbound frame, dropping")
		return "", false
	}
	return string(plaintext), true
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// leaveLocked emits the leave_room frame and resets the room. Callers
// guarantee a room is pending, active, or closing.
func (e *Engine) leaveLocked() error {
	e.cancelCloseTimerLocked()

	err := e.sendLocked(protocol.New(protocol.ActionLeaveRoom, map[string]string{
		protocol.FieldRoomID: e.room.RoomID,
		protocol.FieldRole:   string(e.room.Role),
	}))

	e.room.reset()
	e.ring.ClearPeer()
	e.conv.clear()
	if e.state != StateDisconnected {
		e.state = StateLoggedIn
	}
	return err
}

// encryptedFrameLocked builds a typing or send_message frame. No plaintext
// ever leaves the engine before a peer key is installed.
func (e *Engine) encryptedFrameLocked(action, text string) (protocol.Envelope, error) {
	if e.state != StateRoomActive || !e.room.PeerPresent {
		return protocol.Envelope{}, ErrNoPeer
	}
	peer := e.ring.Peer()
	if peer == nil {
		return protocol.Envelope{}, ErrNoPeer
	}
	encKey, content, err := crypto.SealHybrid([]byte(text), peer)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.New(action, map[string]string{
		protocol.FieldRoomID:       e.room.RoomID,
		protocol.FieldRole:         string(e.room.Role),
		protocol.FieldEncryptedKey: encKey,
		protocol.FieldContent:      content,
	}), nil
}

func (e *Engine) sendLocked(env protocol.Envelope) error {
	if e.tr == nil {
		return ErrInvalidState
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return e.tr.Send(data)
}

// regenerateKeysLocked starts background keypair generation and swaps in a
// fresh readiness channel. Generation must never block event delivery.
func (e *Engine) regenerateKeysLocked() {
	ready := make(chan struct{})
	e.keyReady = ready
	bits := e.cfg.KeyBits
	ring := e.ring
	log := e.log
	go func() {
		defer close(ready)
		kp, err := crypto.GenerateKeyPair(bits)
		if err != nil {
			log.WithError(err).Error("keypair generation failed")
			return
		}
		ring.SetLocal(kp)
		log.WithField("bits", bits).Debug("keypair ready")
	}()
}

func (e *Engine) cancelCloseTimerLocked() {
	if e.closeTimer != nil {
		e.closeTimer.Stop()
		e.closeTimer = nil
	}
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		State:           e.state,
		Messages:        e.conv.snapshot(),
		TypingIndicator: e.conv.typing,
		RoomOpen:        e.state == StateRoomActive || e.state == StateClosing,
		RoomID:          e.room.RoomID,
		Role:            e.room.Role,
		PeerPresent:     e.room.PeerPresent,
		LastError:       e.lastError,
	}
}

// unlockAndNotify publishes the post-transition snapshot to the subscriber
// outside the lock. Used as `defer e.unlockAndNotify()` right after locking.
func (e *Engine) unlockAndNotify() {
	snap := e.snapshotLocked()
	fn := e.subscriber
	e.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	e.unlockAndNotify()
}
