package engine

import "errors"

var (
	// ErrInvalidState is returned when an intent is not legal in the current
	// state (e.g. createRoom while a room is already active). The intent is
	// a no-op: no frame is sent and no state changes.
	ErrInvalidState = errors.New("engine: intent not valid in current state")

	// ErrNoPeer is returned when an encrypted send is attempted with no
	// peer public key installed.
	ErrNoPeer = errors.New("engine: no peer present")

	// ErrKeysNotReady is returned when the local keypair has not finished
	// generating (or generation failed).
	ErrKeysNotReady = errors.New("engine: local keypair not ready")

	// ErrEmptyRoomID is returned by JoinRoom for an empty room ID.
	ErrEmptyRoomID = errors.New("engine: room id must not be empty")
)
