package session

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-engine/internal/auth"
	"collab-engine/internal/engine"
	"collab-engine/pkg/ot"
)

func TestErrorCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{auth.ErrUnauthorized, CodeUnauthorized},
		{engine.ErrUnknownDocument, CodeUnknownDocument},
		{engine.ErrTerminated, CodeUnknownDocument},
		{engine.ErrFutureVersion, CodeFutureVersion},
		{engine.ErrTooStale, CodeTooStale},
		{ot.ErrOutOfRange, CodeOutOfRange},
		{ot.ErrBadOperation, CodeOutOfRange},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, errorCode(tc.err), "for %v", tc.err)
	}
}

func TestErrorCodeUnwrapsWrappedErrors(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), engine.ErrTooStale)
	assert.Equal(t, CodeTooStale, errorCode(wrapped))
}

func TestEventFrameApplied(t *testing.T) {
	op := ot.Operation{Kind: ot.Insert, Position: 2, Text: "hi", Version: 7}
	frame := eventFrame(engine.Event{
		Type:       engine.EventApplied,
		DocumentID: "doc",
		Op:         &op,
		Version:    7,
	})
	assert.Equal(t, string(engine.EventApplied), frame.Type)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded struct {
		Type    string `json:"type"`
		Payload struct {
			Op      ot.Operation `json:"op"`
			Version int          `json:"version"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "document.applied", decoded.Type)
	assert.Equal(t, 7, decoded.Payload.Version)
	assert.Equal(t, "hi", decoded.Payload.Op.Text)
}

func TestEventFramePresenceCarriesMembers(t *testing.T) {
	frame := eventFrame(engine.Event{
		Type:       engine.EventPresence,
		DocumentID: "doc",
		UserID:     "alice",
		Members: []engine.PresenceEntry{
			{UserID: "alice", Cursor: engine.Position{Line: 1, Column: 2}},
			{UserID: "bob"},
		},
	})
	payload, ok := frame.Payload.(presencePayload)
	require.True(t, ok)
	assert.Len(t, payload.Members, 2)
}

func TestEventFrameMembership(t *testing.T) {
	joined := eventFrame(engine.Event{
		Type: engine.EventUserJoined,
		User: &engine.PresenceEntry{UserID: "bob", DisplayName: "Bob"},
	})
	jp, ok := joined.Payload.(joinedPayload)
	require.True(t, ok)
	assert.Equal(t, "bob", jp.User.UserID)

	left := eventFrame(engine.Event{Type: engine.EventUserLeft, UserID: "bob"})
	lp, ok := left.Payload.(leftPayload)
	require.True(t, ok)
	assert.Equal(t, "bob", lp.UserID)
}

func TestSelectionPayloadNullClearsRange(t *testing.T) {
	var p selectionPayload
	require.NoError(t, json.Unmarshal([]byte(`{"range":null}`), &p))
	assert.Nil(t, p.Range)

	require.NoError(t, json.Unmarshal([]byte(
		`{"range":{"anchor":{"line":1,"column":0},"head":{"line":2,"column":4}}}`), &p))
	require.NotNil(t, p.Range)
	assert.Equal(t, 2, p.Range.Head.Line)
}

func TestFrameRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"document.op","requestId":"r1","payload":{"kind":"insert","position":0,"text":"a","baseVersion":0,"clientId":"ignored"}}`)
	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, TypeOp, frame.Type)
	assert.Equal(t, "r1", frame.RequestID)

	var op ot.Operation
	require.NoError(t, json.Unmarshal(frame.Payload, &op))
	assert.Equal(t, ot.Insert, op.Kind)
}
