// Package transport provides the persistent text-frame connection to the
// relay server. The engine depends only on the Transport interface; the
// concrete implementation is a gobwas/ws WebSocket client.
package transport

import "context"

// EventKind discriminates transport notifications.
type EventKind int

const (
	// EventConnected fires once after a successful dial.
	EventConnected EventKind = iota
	// EventDisconnected fires when the connection closes for any reason.
	EventDisconnected
	// EventText carries one inbound text frame in Data.
	EventText
	// EventError carries a transport-level failure in Err. The connection
	// may or may not still be usable; a disconnect event follows if not.
	EventError
)

// Event is a single asynchronous transport notification.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Transport is a single-attempt, full-duplex text-frame connection. There
// is no reconnect or backoff: a failed dial or a dropped connection is
// terminal for the session.
type Transport interface {
	// Connect dials the given ws(s) URL and starts delivering events to the
	// handler registered with OnEvent. It returns an error if the dial
	// fails; no retry is attempted.
	Connect(ctx context.Context, url string) error

	// Send writes one text frame. Safe to call from any goroutine.
	Send(data []byte) error

	// Close tears the connection down. Idempotent.
	Close() error

	// OnEvent registers the event handler. Must be called before Connect.
	// Events are delivered sequentially from a single reader goroutine.
	OnEvent(fn func(Event))
}
