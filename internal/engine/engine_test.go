package engine

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unspoken/chat-app/internal/crypto"
	"github.com/unspoken/chat-app/internal/protocol"
	"github.com/unspoken/chat-app/internal/transport"
)

// fakeTransport captures outbound frames and lets tests inject inbound
// events, standing in for the relay connection.
type fakeTransport struct {
	mu      sync.Mutex
	frames  []protocol.Envelope
	handler func(transport.Event)
}

func (f *fakeTransport) OnEvent(fn func(transport.Event)) { f.handler = fn }

func (f *fakeTransport) Connect(ctx context.Context, url string) error {
	f.handler(transport.Event{Kind: transport.EventConnected})
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sent() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeTransport) sentWith(action string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range f.sent() {
		if env.Action == action {
			out = append(out, env)
		}
	}
	return out
}

// deliver injects an inbound frame as if the relay had sent it.
func (f *fakeTransport) deliver(t *testing.T, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	f.handler(transport.Event{Kind: transport.EventText, Data: data})
}

func testConfig() Config {
	return Config{
		KeyBits:   crypto.MinKeyBits, // fast test keys
		GraceUnit: 20 * time.Millisecond,
	}
}

// newTestEngine returns a logged-in engine wired to a fake transport.
func newTestEngine(t *testing.T) (*Engine, *fakeTransport) {
	t.Helper()
	fake := &fakeTransport{}
	e := New(testConfig(), "user-1", crypto.NewKeyRing(), func() transport.Transport { return fake })
	require.NoError(t, e.SetServerAddress("localhost", "8765"))
	require.NoError(t, e.Login())
	return e, fake
}

// peerIdentity generates the remote side's keypair and its base64 exported
// public key as the relay would forward it.
func peerIdentity(t *testing.T) (*crypto.KeyPair, string) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair(crypto.MinKeyBits)
	require.NoError(t, err)
	der, err := crypto.ExportPublicKey(kp.Public)
	require.NoError(t, err)
	return kp, base64.StdEncoding.EncodeToString(der)
}

// joinActiveRoom drives the engine into RoomActive(Guest) with a present
// peer, returning the peer keypair for encrypt/decrypt assertions.
func joinActiveRoom(t *testing.T, e *Engine, fake *fakeTransport) *crypto.KeyPair {
	t.Helper()
	peer, peerKeyB64 := peerIdentity(t)
	require.NoError(t, e.JoinRoom("1234"))
	fake.deliver(t, protocol.New(protocol.ActionRoomJoined, map[string]string{
		protocol.FieldRoomID:     "1234",
		protocol.FieldRole:       "guest",
		protocol.FieldPeerUserID: "u1",
		protocol.FieldPeerKey:    peerKeyB64,
	}))
	require.Equal(t, StateRoomActive, e.Snapshot().State)
	require.True(t, e.Snapshot().PeerPresent)
	return peer
}

func TestLoginSendsIdentityAndPublicKey(t *testing.T) {
	e, fake := newTestEngine(t)

	logins := fake.sentWith(protocol.ActionLogin)
	require.Len(t, logins, 1)
	assert.Equal(t, "user-1", logins[0].Get(protocol.FieldUserID))
	assert.NotEmpty(t, logins[0].Get(protocol.FieldPublicKey))

	// The exported key must round-trip through import.
	der, err := base64.StdEncoding.DecodeString(logins[0].Get(protocol.FieldPublicKey))
	require.NoError(t, err)
	_, err = crypto.ImportPeerPublicKey(der)
	require.NoError(t, err)

	assert.Equal(t, StateLoggedIn, e.Snapshot().State)
}

func TestJoinRoomScenario(t *testing.T) {
	e, fake := newTestEngine(t)
	joinActiveRoom(t, e, fake)

	snap := e.Snapshot()
	assert.Equal(t, "1234", snap.RoomID)
	assert.Equal(t, RoleGuest, snap.Role)
	assert.True(t, snap.RoomOpen)

	// A system entry announces the host's presence.
	var sawHostJoined bool
	for _, entry := range snap.Messages {
		if entry.Origin == OriginSystem && entry.Content == "Host joined" {
			sawHostJoined = true
		}
	}
	assert.True(t, sawHostJoined, "expected a system entry for the host joining, got %+v", snap.Messages)
}

func TestSendMessageEncryptsAndEchoes(t *testing.T) {
	e, fake := newTestEngine(t)
	peer := joinActiveRoom(t, e, fake)

	require.NoError(t, e.SendMessage("hi"))

	sent := fake.sentWith(protocol.ActionSendMessage)
	require.Len(t, sent, 1)
	env := sent[0]
	assert.Equal(t, "1234", env.Get(protocol.FieldRoomID))
	assert.Equal(t, "guest", env.Get(protocol.FieldRole))
	require.NotEmpty(t, env.Get(protocol.FieldEncryptedKey))
	require.NotEmpty(t, env.Get(protocol.FieldContent))

	// The peer can decrypt the frame with its private key.
	plaintext, err := crypto.OpenHybrid(env.Get(protocol.FieldEncryptedKey), env.Get(protocol.FieldContent), peer.Private)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(plaintext))

	// Local echo appended immediately, not waiting for any ack.
	snap := e.Snapshot()
	last := snap.Messages[len(snap.Messages)-1]
	assert.Equal(t, Entry{Content: "hi", Origin: OriginLocal}, last)
}

func TestSendWithoutPeerRejected(t *testing.T) {
	e, fake := newTestEngine(t)

	err := e.SendMessage("hello?")
	assert.ErrorIs(t, err, ErrNoPeer)
	assert.Empty(t, fake.sentWith(protocol.ActionSendMessage))
}

func TestCreateRoomGuardWhileActive(t *testing.T) {
	e, fake := newTestEngine(t)
	joinActiveRoom(t, e, fake)
	before := e.Snapshot()

	err := e.CreateRoom()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, fake.sentWith(protocol.ActionCreateRoom))
	assert.Equal(t, before.State, e.Snapshot().State)
	assert.Equal(t, before.RoomID, e.Snapshot().RoomID)
}

func TestInboundEncryptedBeforePeerKeyDropped(t *testing.T) {
	e, fake := newTestEngine(t)

	// Host alone in a fresh room: active but no peer key installed yet.
	require.NoError(t, e.CreateRoom())
	fake.deliver(t, protocol.New(protocol.ActionRoomCreated, map[string]string{
		protocol.FieldRoomID: "1000",
		protocol.FieldRole:   "host",
	}))
	require.Equal(t, StateRoomActive, e.Snapshot().State)
	require.False(t, e.Snapshot().PeerPresent)
	before := len(e.Snapshot().Messages)

	fake.deliver(t, protocol.New(protocol.ActionNewMessage, map[string]string{
		protocol.FieldRole:         "guest",
		protocol.FieldEncryptedKey: "Ym9ndXM=",
		protocol.FieldContent:      "Ym9ndXM=",
	}))

	snap := e.Snapshot()
	assert.Len(t, snap.Messages, before, "message must be dropped, not queued")
	assert.Empty(t, snap.TypingIndicator)
}

func TestTypingIndicatorOverwritesAndClears(t *testing.T) {
	e, fake := newTestEngine(t)
	joinActiveRoom(t, e, fake)

	local := fake.sentWith(protocol.ActionLogin)[0].Get(protocol.FieldPublicKey)
	der, err := base64.StdEncoding.DecodeString(local)
	require.NoError(t, err)
	pub, err := crypto.ImportPeerPublicKey(der)
	require.NoError(t, err)

	sendEncrypted := func(action, text string) {
		encKey, content, err := crypto.SealHybrid([]byte(text), pub)
		require.NoError(t, err)
		fake.deliver(t, protocol.New(action, map[string]string{
			protocol.FieldRole:         "host",
			protocol.FieldEncryptedKey: encKey,
			protocol.FieldContent:      content,
		}))
	}

	sendEncrypted(protocol.ActionTyping, "h")
	assert.Equal(t, "h", e.Snapshot().TypingIndicator)
	sendEncrypted(protocol.ActionTyping, "hel")
	assert.Equal(t, "hel", e.Snapshot().TypingIndicator, "typing overwrites, not appends")

	sendEncrypted(protocol.ActionNewMessage, "hello")
	snap := e.Snapshot()
	assert.Empty(t, snap.TypingIndicator, "message clears the typing bubble")
	last := snap.Messages[len(snap.Messages)-1]
	assert.Equal(t, Entry{Content: "hello", Origin: OriginRemote}, last)
}

func TestRoomClosedGracePeriod(t *testing.T) {
	e, fake := newTestEngine(t)
	joinActiveRoom(t, e, fake)

	fake.deliver(t, protocol.New(protocol.ActionRoomClosed, nil))
	snap := e.Snapshot()
	assert.Equal(t, StateClosing, snap.State)
	assert.Contains(t, snap.Messages[len(snap.Messages)-1].Content, "Room closed")

	// After the grace period the engine leaves automatically, exactly once.
	require.Eventually(t, func() bool {
		return e.Snapshot().State == StateLoggedIn
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, fake.sentWith(protocol.ActionLeaveRoom), 1)
	final := e.Snapshot()
	assert.Empty(t, final.Messages, "message list cleared after auto-leave")
	assert.Empty(t, final.RoomID)
}

func TestManualLeaveCancelsAutoLeave(t *testing.T) {
	e, fake := newTestEngine(t)
	joinActiveRoom(t, e, fake)

	fake.deliver(t, protocol.New(protocol.ActionRoomClosed, nil))
	require.NoError(t, e.LeaveRoom())

	// Give the grace timer a chance to misfire.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, fake.sentWith(protocol.ActionLeaveRoom), 1, "manual leave must cancel the scheduled one")
	assert.Equal(t, StateLoggedIn, e.Snapshot().State)
}

func TestLeaveIdempotence(t *testing.T) {
	e, fake := newTestEngine(t)
	joinActiveRoom(t, e, fake)

	require.NoError(t, e.LeaveRoom())
	err := e.LeaveRoom()
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Len(t, fake.sentWith(protocol.ActionLeaveRoom), 1)
	assert.Equal(t, StateLoggedIn, e.Snapshot().State)
}

func TestUnknownActionIgnored(t *testing.T) {
	e, fake := newTestEngine(t)
	joinActiveRoom(t, e, fake)
	before := e.Snapshot()

	fake.handler(transport.Event{Kind: transport.EventText, Data: []byte(`{"action":"bogus","x":"y"}`)})

	after := e.Snapshot()
	assert.Equal(t, before.State, after.State)
	assert.Len(t, after.Messages, len(before.Messages))
}

func TestUserLeftClearsPeer(t *testing.T) {
	e, fake := newTestEngine(t)
	joinActiveRoom(t, e, fake)

	fake.deliver(t, protocol.New(protocol.ActionUserLeft, map[string]string{
		protocol.FieldRole: "host",
	}))

	snap := e.Snapshot()
	assert.Equal(t, StateRoomActive, snap.State, "room stays open with peer absent")
	assert.False(t, snap.PeerPresent)
	assert.ErrorIs(t, e.SendMessage("anyone?"), ErrNoPeer)
}

func TestPeerRejoinInstallsNewKey(t *testing.T) {
	e, fake := newTestEngine(t)

	require.NoError(t, e.CreateRoom())
	fake.deliver(t, protocol.New(protocol.ActionRoomCreated, map[string]string{
		protocol.FieldRoomID: "1000",
		protocol.FieldRole:   "host",
	}))

	peer1, key1 := peerIdentity(t)
	fake.deliver(t, protocol.New(protocol.ActionUserJoined, map[string]string{
		protocol.FieldRole:       "guest",
		protocol.FieldPeerUserID: "u1",
		protocol.FieldPeerKey:    key1,
	}))
	require.True(t, e.Snapshot().PeerPresent)

	fake.deliver(t, protocol.New(protocol.ActionUserLeft, map[string]string{protocol.FieldRole: "guest"}))
	require.False(t, e.Snapshot().PeerPresent)

	// A different guest joins with a new key; messages must be readable by
	// the new peer, not the old one.
	peer2, key2 := peerIdentity(t)
	fake.deliver(t, protocol.New(protocol.ActionUserJoined, map[string]string{
		protocol.FieldRole:       "guest",
		protocol.FieldPeerUserID: "u2",
		protocol.FieldPeerKey:    key2,
	}))
	require.True(t, e.Snapshot().PeerPresent)

	require.NoError(t, e.SendMessage("fresh start"))
	env := fake.sentWith(protocol.ActionSendMessage)[0]

	_, err := crypto.OpenHybrid(env.Get(protocol.FieldEncryptedKey), env.Get(protocol.FieldContent), peer1.Private)
	assert.Error(t, err, "old peer must not decrypt")
	plaintext, err := crypto.OpenHybrid(env.Get(protocol.FieldEncryptedKey), env.Get(protocol.FieldContent), peer2.Private)
	require.NoError(t, err)
	assert.Equal(t, "fresh start", string(plaintext))
}

func TestRelayErrorSurfacedWithoutTransition(t *testing.T) {
	e, fake := newTestEngine(t)
	joinActiveRoom(t, e, fake)

	fake.deliver(t, protocol.New(protocol.ActionError, map[string]string{
		protocol.FieldMessage: "Room not found or already full",
	}))

	snap := e.Snapshot()
	assert.Equal(t, StateRoomActive, snap.State)
	assert.Equal(t, "Room not found or already full", snap.LastError)
}

func TestDisconnectTerminal(t *testing.T) {
	e, fake := newTestEngine(t)
	joinActiveRoom(t, e, fake)

	fake.handler(transport.Event{Kind: transport.EventDisconnected})

	snap := e.Snapshot()
	assert.Equal(t, StateDisconnected, snap.State)
	assert.Empty(t, snap.RoomID)
	assert.False(t, snap.RoomOpen)
}

func TestReplacedTransportEventsDropped(t *testing.T) {
	fakes := []*fakeTransport{{}, {}}
	dials := 0
	e := New(testConfig(), "user-1", crypto.NewKeyRing(), func() transport.Transport {
		f := fakes[dials]
		dials++
		return f
	})
	require.NoError(t, e.SetServerAddress("localhost", "8765"))
	require.NoError(t, e.Login())

	// Reconnect to a second relay; the first connection's reader goroutine
	// emits its final disconnect only after the new session is up.
	require.NoError(t, e.SetServerAddress("relay2", "8765"))
	require.NoError(t, e.Login())
	require.Equal(t, StateLoggedIn, e.Snapshot().State)

	fakes[0].handler(transport.Event{Kind: transport.EventDisconnected})

	snap := e.Snapshot()
	assert.Equal(t, StateLoggedIn, snap.State, "stale disconnect must not tear down the new session")
	assert.Empty(t, snap.Messages)
}

func TestSnapshotSubscriberNotified(t *testing.T) {
	fake := &fakeTransport{}
	e := New(testConfig(), "user-1", crypto.NewKeyRing(), func() transport.Transport { return fake })

	var mu sync.Mutex
	var states []State
	e.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	require.NoError(t, e.SetServerAddress("localhost", "8765"))
	require.NoError(t, e.Login())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateLoggedIn, states[len(states)-1])
}
