package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/sirupsen/logrus"
)

// WebSocket is the gobwas/ws implementation of Transport. One instance
// handles one connection; after a disconnect a fresh instance is dialed.
type WebSocket struct {
	mu        sync.Mutex
	conn      net.Conn
	handler   func(Event)
	done      chan struct{}
	closeOnce sync.Once
	log       *logrus.Entry
}

// NewWebSocket returns an unconnected WebSocket transport.
func NewWebSocket() *WebSocket {
	return &WebSocket{
		done: make(chan struct{}),
		log:  logrus.WithField("component", "transport"),
	}
}

// OnEvent registers the event handler. Must be set before Connect.
func (t *WebSocket) OnEvent(fn func(Event)) {
	t.handler = fn
}

// Connect dials the relay once and starts the background read loop. A dial
// failure is returned directly and also surfaced as an EventError so
// observers see it on the same path as later failures.
func (t *WebSocket) Connect(ctx context.Context, url string) error {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		err = fmt.Errorf("transport: dial %s: %w", url, err)
		t.emit(Event{Kind: EventError, Err: err})
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.log.WithField("url", url).Info("connected")
	t.emit(Event{Kind: EventConnected})

	go t.readLoop(conn)
	return nil
}

// Send writes one text frame to the relay.
func (t *WebSocket) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	if err := wsutil.WriteClientMessage(t.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close shuts the connection down. Safe to call multiple times.
func (t *WebSocket) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		if t.conn != nil {
			err = t.conn.Close()
		}
		t.mu.Unlock()
	})
	return err
}

// readLoop delivers inbound text frames until the connection dies. Control
// frames are handled inside wsutil.ReadServerText.
func (t *WebSocket) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			select {
			case <-t.done:
				// Intentional close, no error event.
			default:
				t.log.WithError(err).Debug("read loop terminated")
				t.emit(Event{Kind: EventError, Err: fmt.Errorf("transport: read: %w", err)})
			}
			t.emit(Event{Kind: EventDisconnected})
			return
		}
		t.emit(Event{Kind: EventText, Data: data})
	}
}

func (t *WebSocket) emit(ev Event) {
	if t.handler != nil {
		t.handler(ev)
	}
}
