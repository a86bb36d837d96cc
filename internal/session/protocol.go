package session

import (
	"encoding/json"
	"errors"

	"collab-engine/internal/auth"
	"collab-engine/internal/engine"
	"collab-engine/pkg/ot"
)

// Request frame types.
const (
	TypeJoin      = "document.join"
	TypeLeave     = "document.leave"
	TypeOp        = "document.op"
	TypeSync      = "document.sync"
	TypeCursor    = "cursor.move"
	TypeSelection = "selection.change"
	TypeTyping    = "user.typing"
	TypePing      = "ping"
)

// Event frame types not already covered by engine.EventType.
const (
	TypeSnapshot = "document.snapshot"
	TypePong     = "pong"
	TypeError    = "error"
)

// Protocol-level error codes.
const (
	CodeUnauthorized    = "Unauthorized"
	CodeUnknownDocument = "UnknownDocument"
	CodeFutureVersion   = "FutureVersion"
	CodeTooStale        = "TooStale"
	CodeOutOfRange      = "OutOfRange"
	CodeBackpressure    = "Backpressure"
	CodeRateLimited     = "RateLimited"
	CodeInternal        = "Internal"
)

// WebSocket close codes.
const (
	CloseUnauthorized   = 4401
	CloseBackpressure   = 4008
	CloseIdleTimeout    = 4000
	CloseServerShutdown = 4503
)

// Frame is an inbound request: {type, requestId, payload}.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response answers a request: {type, requestId, ok, data|error}.
type Response struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	OK        bool       `json:"ok"`
	Data      any        `json:"data,omitempty"`
	Error     *WireError `json:"error,omitempty"`
}

// EventFrame is a server-initiated event: {type, payload}, no requestId.
type EventFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request payloads.

type joinPayload struct {
	DocumentID string `json:"documentId"`
}

type syncPayload struct {
	HaveVersion int `json:"haveVersion"`
}

type cursorPayload struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// selectionPayload with a null range clears the selection.
type selectionPayload struct {
	Range *engine.Selection `json:"range"`
}

type typingPayload struct {
	Typing bool `json:"typing"`
}

// Event payloads.

type appliedPayload struct {
	Op      ot.Operation `json:"op"`
	Version int          `json:"version"`
}

type presencePayload struct {
	Members []engine.PresenceEntry `json:"members"`
}

type joinedPayload struct {
	User engine.PresenceEntry `json:"user"`
}

type leftPayload struct {
	UserID string `json:"userId"`
}

type syncData struct {
	Ops      []ot.Operation   `json:"ops,omitempty"`
	Snapshot *engine.Snapshot `json:"snapshot,omitempty"`
}

type ackData struct {
	Version int `json:"version"`
}

// eventFrame maps an engine broadcast to its wire form.
func eventFrame(ev engine.Event) EventFrame {
	switch ev.Type {
	case engine.EventApplied:
		return EventFrame{Type: string(ev.Type), Payload: appliedPayload{Op: *ev.Op, Version: ev.Version}}
	case engine.EventPresence:
		return EventFrame{Type: string(ev.Type), Payload: presencePayload{Members: ev.Members}}
	case engine.EventUserJoined:
		return EventFrame{Type: string(ev.Type), Payload: joinedPayload{User: *ev.User}}
	case engine.EventUserLeft:
		return EventFrame{Type: string(ev.Type), Payload: leftPayload{UserID: ev.UserID}}
	}
	return EventFrame{Type: string(ev.Type)}
}

// errorCode maps an engine or auth error to its protocol code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, engine.ErrUnknownDocument), errors.Is(err, engine.ErrTerminated):
		return CodeUnknownDocument
	case errors.Is(err, engine.ErrFutureVersion):
		return CodeFutureVersion
	case errors.Is(err, engine.ErrTooStale):
		return CodeTooStale
	case errors.Is(err, ot.ErrOutOfRange), errors.Is(err, ot.ErrBadOperation):
		return CodeOutOfRange
	default:
		return CodeInternal
	}
}
