package engine

// State is the session lifecycle position. Transitions are driven by user
// intents and inbound relay events; every transition is applied atomically
// under the engine lock so interleaved intents and events never observe
// partial state.
type State int

const (
	// StateDisconnected is the initial state and the terminal state after
	// any connection loss. There is no automatic reconnect.
	StateDisconnected State = iota
	// StateConnected means the socket is up but login has not been sent.
	StateConnected
	// StateLoggedIn means the relay knows our user ID and public key.
	StateLoggedIn
	// StateRoomPending means a create_room or join_room is in flight.
	StateRoomPending
	// StateRoomActive means the relay acknowledged the room.
	StateRoomActive
	// StateClosing means the relay closed the room and the grace timer is
	// running before the automatic leave.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateLoggedIn:
		return "logged_in"
	case StateRoomPending:
		return "room_pending"
	case StateRoomActive:
		return "room_active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Role identifies which side of the room this client is. The values are the
// wire strings.
type Role string

const (
	RoleNone  Role = ""
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// RoomSession is the room state owned by the engine. The peer's public key
// itself lives in the KeyRing; PeerPresent tracks whether one is installed.
// Invariants: RoomID is empty iff no room is open or pending, and
// PeerPresent implies an installed peer key.
type RoomSession struct {
	RoomID      string
	Role        Role
	PeerUserID  string
	PeerPresent bool
}

func (r *RoomSession) reset() {
	*r = RoomSession{}
}
