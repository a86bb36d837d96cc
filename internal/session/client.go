package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collab-engine/internal/auth"
	"collab-engine/internal/engine"
	"collab-engine/pkg/ot"
)

// Session is one client connection bound to a verified principal. Two
// goroutines serve it: a reader that parses inbound frames and forwards them
// to the document engine, and a writer that drains the outbound queue.
//
// A session can outlive its WebSocket connection: when the connection drops,
// the gateway retains the session for a grace window so a reconnect with the
// same credential and connection id resumes membership, outbox included.
type Session struct {
	gw        *Gateway
	connID    string
	principal auth.Principal
	logger    *slog.Logger
	out       *outbox

	mu       sync.Mutex
	conn     *websocket.Conn
	eng      *engine.Engine
	docID    string
	lastSeen time.Time
	stop     chan struct{}

	// closed is guarded by the gateway mutex, not s.mu.
	closed bool
}

// Engine Subscriber implementation. Send and Disconnect are called from the
// engine loop and must not block.

func (s *Session) ConnectionID() string { return s.connID }

func (s *Session) Send(ev engine.Event) bool {
	data, err := json.Marshal(eventFrame(ev))
	if err != nil {
		s.logger.Error("event encode failed", "type", ev.Type, "error", err)
		return true // drop the event, not the session
	}
	return s.out.push(data, ev.CoalesceKey())
}

func (s *Session) Disconnect(reason string) {
	go s.gw.kick(s, reason)
}

// attachConn binds a (new or resumed) connection and starts the pumps.
func (s *Session) attachConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.lastSeen = time.Now()
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	go s.writePump(conn, stop)
	go s.readPump(conn)
	s.out.wake() // flush anything buffered while disconnected
}

// detachConn stops the writer for the current connection.
func (s *Session) detachConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.conn = nil
}

func (s *Session) currentEngine() *engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng
}

// readPump pumps frames from the connection into the engines. It owns the
// read deadline: any inbound traffic counts against the idle timeout.
func (s *Session) readPump(conn *websocket.Conn) {
	defer s.gw.connClosed(s, conn)

	conn.SetReadLimit(s.gw.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.gw.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.gw.cfg.IdleTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Info("idle timeout, closing connection")
				s.gw.closeConn(conn, CloseIdleTimeout, "idle timeout")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.gw.cfg.IdleTimeout))

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			// Malformed framing is a protocol violation: close this session
			// only, other participants are unaffected.
			s.logger.Warn("malformed frame, closing session", "error", err)
			s.gw.closeConn(conn, websocket.ClosePolicyViolation, "malformed frame")
			return
		}
		s.handleFrame(frame)
	}
}

// writePump drains the outbound queue to the connection and keeps the
// heartbeat going. One writer per connection; it exits when the connection
// is replaced or the session ends.
func (s *Session) writePump(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.gw.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-s.out.wait():
			for {
				data, ok := s.out.pop()
				if !ok {
					break
				}
				_ = conn.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-stop:
			return
		}
	}
}

func (s *Session) handleFrame(frame Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()

	switch frame.Type {
	case TypeJoin:
		var payload joinPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.DocumentID == "" {
			s.respondErrCode(frame, CodeUnknownDocument, "missing document id")
			return
		}
		s.join(ctx, frame, payload.DocumentID)

	case TypeLeave:
		s.leave(frame)

	case TypeOp:
		s.submit(ctx, frame)

	case TypeSync:
		var payload syncPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			s.respondErrCode(frame, CodeInternal, "bad sync payload")
			return
		}
		s.sync(ctx, frame, payload.HaveVersion)

	case TypeCursor:
		var payload cursorPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		s.presence(frame, engine.PresenceUpdate{
			Cursor: &engine.Position{Line: payload.Line, Column: payload.Column},
		})

	case TypeSelection:
		var payload selectionPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		upd := engine.PresenceUpdate{Selection: payload.Range}
		if payload.Range == nil {
			upd.ClearSelection = true
		}
		s.presence(frame, upd)

	case TypeTyping:
		var payload typingPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		s.presence(frame, engine.PresenceUpdate{Typing: &payload.Typing})

	case TypePing:
		s.push(Response{Type: TypePong, RequestID: frame.RequestID, OK: true})

	default:
		s.respondErrCode(frame, CodeInternal, "unknown message type "+frame.Type)
	}
}

func (s *Session) join(ctx context.Context, frame Frame, docID string) {
	prev := s.currentEngine()
	if prev != nil && prev.ID() != docID {
		prev.Detach(s.connID)
	}

	// One retry covers the race with an engine that terminated between
	// Acquire and Attach.
	var snap engine.Snapshot
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		eng := s.gw.registry.Acquire(docID)
		snap, err = eng.Attach(ctx, s, s.principal)
		if err == nil {
			s.mu.Lock()
			s.eng = eng
			s.docID = docID
			s.mu.Unlock()
			break
		}
	}
	if err != nil {
		s.respondErr(frame, err)
		return
	}

	s.respond(frame, map[string]string{"documentId": docID})
	s.push(EventFrame{Type: TypeSnapshot, Payload: snap})
	s.logger.Info("joined document", "document", docID)
}

func (s *Session) leave(frame Frame) {
	s.mu.Lock()
	eng := s.eng
	s.eng = nil
	s.docID = ""
	s.mu.Unlock()

	if eng != nil {
		eng.Detach(s.connID)
	}
	s.respond(frame, nil)
}

func (s *Session) submit(ctx context.Context, frame Frame) {
	eng := s.currentEngine()
	if eng == nil {
		s.respondErrCode(frame, CodeUnknownDocument, "no document attached")
		return
	}

	var op ot.Operation
	if err := json.Unmarshal(frame.Payload, &op); err != nil {
		s.respondErrCode(frame, CodeOutOfRange, "bad operation payload")
		return
	}
	if err := op.Validate(); err != nil {
		s.respondErr(frame, err)
		return
	}

	// The gateway stamps identity; client-provided values are ignored.
	op.ClientID = s.connID
	op.AuthorID = s.principal.UserID

	version, err := eng.Submit(ctx, s.connID, op)
	if err != nil {
		s.respondErr(frame, err)
		return
	}
	s.respond(frame, ackData{Version: version})
}

func (s *Session) sync(ctx context.Context, frame Frame, haveVersion int) {
	eng := s.currentEngine()
	if eng == nil {
		s.respondErrCode(frame, CodeUnknownDocument, "no document attached")
		return
	}
	ops, snap, err := eng.Sync(ctx, s.connID, haveVersion)
	if err != nil {
		s.respondErr(frame, err)
		return
	}
	s.respond(frame, syncData{Ops: ops, Snapshot: snap})
}

func (s *Session) presence(frame Frame, upd engine.PresenceUpdate) {
	eng := s.currentEngine()
	if eng == nil {
		return
	}
	eng.UpdatePresence(s.connID, upd)
	if frame.RequestID != "" {
		s.respond(frame, nil)
	}
}

func (s *Session) respond(frame Frame, data any) {
	s.push(Response{Type: frame.Type, RequestID: frame.RequestID, OK: true, Data: data})
}

func (s *Session) respondErr(frame Frame, err error) {
	s.respondErrCode(frame, errorCode(err), err.Error())
}

func (s *Session) respondErrCode(frame Frame, code, message string) {
	s.push(Response{
		Type:      frame.Type,
		RequestID: frame.RequestID,
		OK:        false,
		Error:     &WireError{Code: code, Message: message},
	})
}

// push enqueues an outbound frame. Overflow here gets the same treatment as
// a full queue during broadcast: the session is closed with Backpressure.
func (s *Session) push(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("frame encode failed", "error", err)
		return
	}
	if !s.out.push(data, "") {
		s.Disconnect(engine.ReasonBackpressure)
	}
}
