package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Decoding a valid join_room frame
// ---------------------------------------------------------------------------

func TestDecode_JoinRoom(t *testing.T) {
	input := []byte(`{"action":"join_room","room_id":"1234"}`)

	env, err := Decode(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Action != ActionJoinRoom {
		t.Fatalf("expected action %q, got %q", ActionJoinRoom, env.Action)
	}
	if env.Get(FieldRoomID) != "1234" {
		t.Errorf("expected room_id %q, got %q", "1234", env.Get(FieldRoomID))
	}
}

// ---------------------------------------------------------------------------
// Test: Decoding an encrypted send_message frame
// ---------------------------------------------------------------------------

func TestDecode_SendMessage(t *testing.T) {
	input := []byte(`{"action":"send_message","room_id":"1000","role":"host","encrypted_aes_key":"a2V5","encrypted_content":"Y3Q="}`)

	env, err := Decode(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Action != ActionSendMessage {
		t.Fatalf("expected action %q, got %q", ActionSendMessage, env.Action)
	}
	if !env.Has(FieldRoomID, FieldRole, FieldEncryptedKey, FieldContent) {
		t.Fatalf("required fields missing: %+v", env.Fields)
	}
	if env.Get(FieldEncryptedKey) != "a2V5" {
		t.Errorf("expected encrypted_aes_key %q, got %q", "a2V5", env.Get(FieldEncryptedKey))
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and missing actions
// ---------------------------------------------------------------------------

func TestDecode_UnknownAction(t *testing.T) {
	env, err := Decode([]byte(`{"action":"bogus","room_id":"1"}`))
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	// The partial envelope is still usable for logging.
	if env.Action != "bogus" {
		t.Errorf("expected partial action %q, got %q", "bogus", env.Action)
	}
}

func TestDecode_MissingAction(t *testing.T) {
	_, err := Decode([]byte(`{"room_id":"1234"}`))
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, input := range []string{``, `{`, `not json`, `[1,2,3]`} {
		if _, err := Decode([]byte(input)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("input %q: expected ErrMalformedFrame, got %v", input, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Forward compatibility — unknown fields and non-string scalars
// ---------------------------------------------------------------------------

func TestDecode_PreservesUnknownFields(t *testing.T) {
	input := []byte(`{"action":"error","message":"oops","retry_after":30,"fatal":false}`)

	env, err := Decode(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Get("retry_after") != "30" {
		t.Errorf("expected stringified number %q, got %q", "30", env.Get("retry_after"))
	}
	if env.Get("fatal") != "false" {
		t.Errorf("expected stringified bool %q, got %q", "false", env.Get("fatal"))
	}
}

// ---------------------------------------------------------------------------
// Test: Encode/decode round trip
// ---------------------------------------------------------------------------

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := New(ActionLeaveRoom, map[string]string{
		FieldRoomID: "1042",
		FieldRole:   "guest",
	})

	data, err := Encode(orig)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	// The frame must be a flat JSON object with the action injected.
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("frame is not a flat string map: %v", err)
	}
	if flat["action"] != ActionLeaveRoom {
		t.Errorf("expected action %q in frame, got %q", ActionLeaveRoom, flat["action"])
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded.Action != orig.Action {
		t.Errorf("action mismatch: %q vs %q", decoded.Action, orig.Action)
	}
	for k, v := range orig.Fields {
		if decoded.Fields[k] != v {
			t.Errorf("field %q: expected %q, got %q", k, v, decoded.Fields[k])
		}
	}
}
