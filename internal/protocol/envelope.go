// Package protocol defines the wire envelope exchanged with the relay
// server. Every frame is a single newline-free UTF-8 text frame holding a
// flat JSON object with an "action" discriminator; all other values are
// strings (numbers and booleans are stringified). This tag set and field
// layout is the compatibility contract with unmodified peers.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Client -> Server action tags.
const (
	ActionLogin       = "login"
	ActionCreateRoom  = "create_room"
	ActionJoinRoom    = "join_room"
	ActionLeaveRoom   = "leave_room"
	ActionTyping      = "typing"
	ActionSendMessage = "send_message"
)

// Server -> Client action tags. ActionTyping is shared: the relay forwards
// typing frames under the same tag.
const (
	ActionRoomCreated = "room_created"
	ActionRoomJoined  = "room_joined"
	ActionUserJoined  = "user_joined"
	ActionUserLeft    = "user_left"
	ActionRoomClosed  = "room_closed"
	ActionNewMessage  = "new_message"
	ActionError       = "error"
)

// Field names shared across actions.
const (
	FieldUserID       = "user_id"
	FieldPublicKey    = "public_key"
	FieldRoomID       = "room_id"
	FieldRole         = "role"
	FieldPeerUserID   = "peer_user_id"
	FieldPeerKey      = "peer_public_key"
	FieldEncryptedKey = "encrypted_aes_key"
	FieldContent      = "encrypted_content"
	FieldMessage      = "message"
)

// Decode failure modes. ErrUnknownAction is also returned for frames with a
// missing or empty action; receivers treat both as ignorable.
var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrUnknownAction  = errors.New("protocol: unknown action")
)

// knownActions is the closed set of tags either side may emit.
var knownActions = map[string]bool{
	ActionLogin:       true,
	ActionCreateRoom:  true,
	ActionJoinRoom:    true,
	ActionLeaveRoom:   true,
	ActionTyping:      true,
	ActionSendMessage: true,
	ActionRoomCreated: true,
	ActionRoomJoined:  true,
	ActionUserJoined:  true,
	ActionUserLeft:    true,
	ActionRoomClosed:  true,
	ActionNewMessage:  true,
	ActionError:       true,
}

// Envelope is the canonical serialized unit: an action tag plus flat string
// fields. Fields not understood by this implementation survive a
// decode/encode round trip as opaque strings.
type Envelope struct {
	Action string
	Fields map[string]string
}

// New builds an envelope for the given action. Fields may be nil.
func New(action string, fields map[string]string) Envelope {
	if fields == nil {
		fields = map[string]string{}
	}
	return Envelope{Action: action, Fields: fields}
}

// Get returns the named field, or "" if absent.
func (e Envelope) Get(name string) string {
	return e.Fields[name]
}

// Has reports whether every named field is present and non-empty.
func (e Envelope) Has(names ...string) bool {
	for _, n := range names {
		if e.Fields[n] == "" {
			return false
		}
	}
	return true
}

// Encode serializes the envelope to one JSON text frame. Input is always
// well-typed, so failures here are internal faults.
func Encode(e Envelope) ([]byte, error) {
	obj := make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		obj[k] = v
	}
	obj["action"] = e.Action
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", e.Action, err)
	}
	return data, nil
}

// Decode parses a text frame into an Envelope. Malformed JSON yields
// ErrMalformedFrame; a missing, empty, or unrecognized action yields
// ErrUnknownAction with the partially parsed envelope still returned so
// callers can log the offending tag. Non-string scalar values are
// stringified; nested values are kept as raw JSON text.
func Decode(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	env := Envelope{Fields: make(map[string]string, len(obj))}
	for k, v := range obj {
		s := stringify(v)
		if k == "action" {
			env.Action = s
			continue
		}
		env.Fields[k] = s
	}

	if env.Action == "" || !knownActions[env.Action] {
		return env, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
	return env, nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		// Arrays and objects are preserved as their JSON text.
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
