package relay

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one WebSocket client connection. The user identity is bound on
// login; before that only the connection ID is known. A write mutex
// serializes outbound frames so the read loop, the inbox subscription, and
// the heartbeat never interleave frame bytes.
type Conn struct {
	ID        string // connection ID (UUID)
	Conn      net.Conn
	CreatedAt time.Time

	mu       sync.Mutex
	userID   string
	lastSeen time.Time
}

// WriteText sends a WebSocket text frame to this connection.
func (c *Conn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Conn) WritePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.Conn.Close()
}

// BindUser records the identity announced by a login frame.
func (c *Conn) BindUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// UserID returns the bound identity, or "" before login.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Touch marks the connection as alive.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen returns the time of the last inbound frame.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Registry is a thread-safe index of live connections, addressable by
// connection ID and, once logged in, by user ID.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byUser map[string]*Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Conn),
		byUser: make(map[string]*Conn),
	}
}

// Add registers a new connection under its connection ID.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.mu.Unlock()
}

// Bind indexes an already-registered connection by user ID. A later login
// with the same user ID steals the identity from the earlier connection.
func (r *Registry) Bind(c *Conn, userID string) {
	c.BindUser(userID)
	r.mu.Lock()
	r.byUser[userID] = c
	r.mu.Unlock()
}

// Remove deletes a connection from both indexes and closes it. Returns
// false if the connection was already gone, so racing cleanup paths
// (read error vs heartbeat timeout) run teardown exactly once.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		if uid := c.UserID(); uid != "" && r.byUser[uid] == c {
			delete(r.byUser, uid)
		}
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection with the given connection ID, or nil.
func (r *Registry) Get(id string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// GetByUser returns the connection bound to the given user ID, or nil.
func (r *Registry) GetByUser(userID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a snapshot of all current connections.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}
