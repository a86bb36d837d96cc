package engine

import (
	"collab-engine/pkg/ot"
)

// EventType names the broadcast events a subscriber can receive. The values
// double as wire event types.
type EventType string

const (
	EventApplied    EventType = "document.applied"
	EventPresence   EventType = "presence.update"
	EventUserJoined EventType = "user.joined"
	EventUserLeft   EventType = "user.left"
)

// Event is one ordered broadcast from a document engine. For a single
// document, Applied events are delivered in exactly the order versions were
// assigned.
type Event struct {
	Type       EventType
	DocumentID string

	// Applied
	Op      *ot.Operation
	Version int

	// Presence: full member list plus the user whose entry changed.
	Members []PresenceEntry
	UserID  string

	// Joined
	User *PresenceEntry
}

// CoalesceKey returns a non-empty key for events that may overwrite an
// earlier pending event of the same key in a session's outbound queue.
// Only presence changes coalesce; edits and membership changes never do.
func (e Event) CoalesceKey() string {
	if e.Type == EventPresence {
		return "presence/" + e.DocumentID + "/" + e.UserID
	}
	return ""
}

// Subscriber is a session attached to a document. Send must enqueue without
// blocking and report false when the outbound queue is full; the engine then
// drops the subscriber and tells it to disconnect.
type Subscriber interface {
	ConnectionID() string
	Send(ev Event) bool
	Disconnect(reason string)
}

// Disconnect reasons passed to Subscriber.Disconnect.
const (
	ReasonBackpressure   = "backpressure"
	ReasonServerShutdown = "server shutdown"
)
