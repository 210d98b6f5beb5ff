// Package client provides a reusable WebSocket load test client for the
// Unspoken relay. It connects using gobwas/ws (the same library the relay
// uses), speaks the flat action-tagged JSON protocol, and tracks
// per-connection performance metrics. Payload fields are opaque to the
// relay, so the simulated clients carry filler instead of real ciphertext.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol action tags (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server actions.
const (
	ActionLogin       = "login"
	ActionCreateRoom  = "create_room"
	ActionJoinRoom    = "join_room"
	ActionLeaveRoom   = "leave_room"
	ActionTyping      = "typing"
	ActionSendMessage = "send_message"
)

// Server -> Client actions.
const (
	ActionRoomCreated = "room_created"
	ActionRoomJoined  = "room_joined"
	ActionUserJoined  = "user_joined"
	ActionUserLeft    = "user_left"
	ActionRoomClosed  = "room_closed"
	ActionNewMessage  = "new_message"
	ActionError       = "error"
)

// fillerKey stands in for an exported public key. The relay stores and
// forwards it without parsing, so any base64 text works for load purposes.
const fillerKey = "bG9hZHRlc3Qta2V5LW5vdC1yZWFs"

// Message is one decoded frame: the action tag plus flat string fields.
type Message map[string]string

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents a single simulated user connection to the relay. It
// manages the WebSocket lifecycle and dispatches incoming frames to
// registered handlers by action tag.
type Client struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(Message)
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a load test client connected to the given WebSocket URL and
// immediately sends the login frame for userID. A background goroutine
// begins reading frames.
func New(ctx context.Context, url, userID string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(Message)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	if err := c.Send(Message{
		"action":     ActionLogin,
		"user_id":    userID,
		"public_key": fillerKey,
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("login: %w", err)
	}

	return c, nil
}

// Send sends a JSON frame to the relay. It is goroutine-safe.
func (c *Client) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// CreateRoom asks the relay for a new room with this client as host.
func (c *Client) CreateRoom() error {
	return c.Send(Message{"action": ActionCreateRoom})
}

// JoinRoom asks the relay to join an existing room as guest.
func (c *Client) JoinRoom(roomID string) error {
	return c.Send(Message{"action": ActionJoinRoom, "room_id": roomID})
}

// LeaveRoom vacates the client's slot in a room.
func (c *Client) LeaveRoom(roomID, role string) error {
	return c.Send(Message{"action": ActionLeaveRoom, "room_id": roomID, "role": role})
}

// SendEncrypted sends a typing or send_message frame with the given payload
// in the content field. The relay forwards both fields untouched, so the
// payload can carry measurement data instead of ciphertext.
func (c *Client) SendEncrypted(action, roomID, role, payload string) error {
	return c.Send(Message{
		"action":            action,
		"room_id":           roomID,
		"role":              role,
		"encrypted_aes_key": fillerKey,
		"encrypted_content": payload,
	})
}

// On registers a handler for a specific inbound action. Handlers are
// invoked from the read loop goroutine so they should not block for
// extended periods. Registering a second handler for the same action
// replaces the first; register before triggering the traffic that responds.
func (c *Client) On(action string, handler func(Message)) {
	c.mu.Lock()
	c.handlers[action] = handler
	c.mu.Unlock()
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the identity this client logged in with.
func (c *Client) UserID() string {
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads frames from the relay and dispatches them to
// registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; not an error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		msg := make(Message, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				msg[k] = s
			} else {
				msg[k] = fmt.Sprint(v)
			}
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[msg["action"]]
		c.mu.Unlock()

		if handler != nil {
			handler(msg)
		}
	}
}
