package events

import "github.com/HyperSystemsDev/hyperhomes/pkg/homedb"

// EventType classifies events flowing through the bus.
type EventType int

const (
	// Feed events supplied by the front-end.
	EvMove       EventType = iota // Player moved; Location holds the new spot if known
	EvDamage                      // Player took damage
	EvDisconnect                  // Player left the server
	EvJoin                        // Player joined the server

	// Teleport lifecycle notifications emitted by the engine.
	EvTeleportAccepted  // Warmup started
	EvTeleportCountdown // Whole seconds left in the warmup
	EvTeleportCompleted // Player arrived
	EvTeleportCancelled // Player-initiated stop
	EvTeleportRejected  // Validation or environment failure

	// EvMoveCommand asks the front-end to relocate a player.
	EvMoveCommand
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EvMove:
		return "move"
	case EvDamage:
		return "damage"
	case EvDisconnect:
		return "disconnect"
	case EvJoin:
		return "join"
	case EvTeleportAccepted:
		return "teleport_accepted"
	case EvTeleportCountdown:
		return "teleport_countdown"
	case EvTeleportCompleted:
		return "teleport_completed"
	case EvTeleportCancelled:
		return "teleport_cancelled"
	case EvTeleportRejected:
		return "teleport_rejected"
	case EvMoveCommand:
		return "move_command"
	default:
		return "unknown"
	}
}

// ParseEventType is the inverse of EventType.String for feed events.
func ParseEventType(s string) (EventType, bool) {
	switch s {
	case "move", "position":
		return EvMove, true
	case "damage":
		return EvDamage, true
	case "disconnect":
		return EvDisconnect, true
	case "join":
		return EvJoin, true
	}
	return 0, false
}

// IsNotification reports whether t is emitted by the engine rather than the feed.
func (t EventType) IsNotification() bool {
	return t >= EvTeleportAccepted
}

// Event is a structured event on the bus.
type Event struct {
	Type     EventType
	Player   homedb.PlayerID  // Subject of the event
	Location *homedb.Location // Position for EvMove / EvMoveCommand / arrivals
	Home     string           // Target home name for teleport notifications
	Owner    homedb.PlayerID  // Home owner for teleport notifications
	Seconds  int              // EvTeleportCountdown
	Reason   string           // Stable code for cancellations and rejections
	Text     string           // Human-readable message
}
