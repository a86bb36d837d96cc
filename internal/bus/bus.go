// Package bus defines the cross-node fan-out contract. A document engine
// publishes its authoritative events to a topic keyed by document id; peer
// nodes hosting sessions for that document subscribe and inject the events
// into their local engines.
//
// Delivery is at-least-once with per-topic ordering. Consumers deduplicate
// applied operations by (documentID, version) and ignore messages carrying
// their own origin node id.
package bus

import (
	"context"

	"collab-engine/pkg/ot"
)

// MessageType discriminates bus payloads.
type MessageType string

const (
	MessageApplied  MessageType = "applied"
	MessagePresence MessageType = "presence"
)

// Presence is the wire form of a presence entry mirrored across nodes.
type Presence struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	Line        int    `json:"line"`
	Column      int    `json:"column"`
	IsTyping    bool   `json:"isTyping"`
}

// Message is one fan-out event on a document topic.
type Message struct {
	DocumentID string
	Origin     string // node id of the publishing engine
	Type       MessageType

	// Op carries the applied operation with its assigned version.
	Op ot.Operation

	// Presence carries the changed entry for presence messages.
	Presence *Presence
}

// Bus is the publish/subscribe substrate. Publish must preserve per-topic
// order for a single publisher; the engine serializes its own publishes.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(documentID string, fn func(Message)) (cancel func())
}
