// Package session is the gateway between WebSocket connections and document
// engines. It binds each connection to a verified principal, demultiplexes
// inbound frames to the right engine and serializes outbound events through
// a bounded, coalescing per-session queue.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collab-engine/internal/auth"
	"collab-engine/internal/engine"
	"collab-engine/internal/metrics"
)

// Config bounds the gateway.
type Config struct {
	OutboundQueueSize int
	ReconnectGrace    time.Duration
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	AllowedOrigins    []string
}

func (c Config) withDefaults() Config {
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 1024
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 512 * 1024
	}
	return c
}

// Gateway accepts client connections and manages session lifecycle,
// including the reconnect grace window.
type Gateway struct {
	cfg      Config
	verifier auth.Verifier
	registry *engine.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	retained map[string]*time.Timer
	closed   bool
}

func NewGateway(cfg Config, verifier auth.Verifier, registry *engine.Registry, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	gw := &Gateway{
		cfg:      cfg,
		verifier: verifier,
		registry: registry,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*Session),
		retained: make(map[string]*time.Timer),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     gw.checkOrigin,
	}
	return gw
}

func (gw *Gateway) checkOrigin(r *http.Request) bool {
	if len(gw.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range gw.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the connection, verifies the bearer credential
// and binds or resumes a session. Optional query parameters: "doc" attaches
// immediately, "connectionId" resumes a retained session.
func (gw *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	principal, err := gw.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		gw.closeConn(conn, CloseUnauthorized, "credential rejected")
		return
	}
	if principal.Color == "" {
		principal.Color = auth.ColorFor(principal.UserID)
	}

	if connID := r.URL.Query().Get("connectionId"); connID != "" {
		if gw.resume(connID, principal, conn) {
			return
		}
	}

	connID := uuid.New().String()
	sess := &Session{
		gw:        gw,
		connID:    connID,
		principal: principal,
		logger:    gw.logger.With("connection", connID, "user", principal.UserID),
		out:       newOutbox(gw.cfg.OutboundQueueSize),
	}

	gw.mu.Lock()
	if gw.closed {
		gw.mu.Unlock()
		gw.closeConn(conn, CloseServerShutdown, "shutting down")
		return
	}
	gw.sessions[connID] = sess
	gw.mu.Unlock()

	gw.metrics.ActiveConnections.Inc()
	sess.attachConn(conn)
	sess.push(EventFrame{Type: "session.hello", Payload: map[string]string{
		"connectionId": connID,
		"userId":       principal.UserID,
		"displayName":  principal.DisplayName,
		"color":        principal.Color,
	}})
	sess.logger.Info("session connected")

	if docID := r.URL.Query().Get("doc"); docID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sess.join(ctx, Frame{Type: TypeJoin}, docID)
		cancel()
	}
}

// resume revives a retained session for the same principal. The session's
// outbox kept buffering broadcasts while it was disconnected, so membership
// and pending events survive the gap.
func (gw *Gateway) resume(connID string, principal auth.Principal, conn *websocket.Conn) bool {
	gw.mu.Lock()
	timer, ok := gw.retained[connID]
	sess := gw.sessions[connID]
	if !ok || sess == nil || sess.principal.UserID != principal.UserID {
		gw.mu.Unlock()
		return false
	}
	timer.Stop()
	delete(gw.retained, connID)
	gw.mu.Unlock()

	gw.metrics.ActiveConnections.Inc()
	sess.attachConn(conn)
	sess.logger.Info("session resumed")
	return true
}

// connClosed runs when a session's reader exits. Unless the session is
// already being destroyed, it is retained for the reconnect grace window.
func (gw *Gateway) connClosed(sess *Session, conn *websocket.Conn) {
	sess.detachConn()
	conn.Close()
	gw.metrics.ActiveConnections.Dec()

	gw.mu.Lock()
	if sess.closed || gw.closed || gw.sessions[sess.connID] != sess {
		gw.mu.Unlock()
		return
	}
	if _, already := gw.retained[sess.connID]; already {
		gw.mu.Unlock()
		return
	}
	gw.retained[sess.connID] = time.AfterFunc(gw.cfg.ReconnectGrace, func() {
		gw.expire(sess)
	})
	gw.mu.Unlock()
	sess.logger.Info("connection lost, retaining session", "grace", gw.cfg.ReconnectGrace)
}

// expire destroys a retained session whose grace window elapsed.
func (gw *Gateway) expire(sess *Session) {
	gw.mu.Lock()
	if gw.sessions[sess.connID] != sess {
		gw.mu.Unlock()
		return
	}
	delete(gw.retained, sess.connID)
	gw.mu.Unlock()

	sess.logger.Info("reconnect grace elapsed, destroying session")
	gw.destroy(sess)
}

// kick force-closes a session at the engine's request.
func (gw *Gateway) kick(sess *Session, reason string) {
	code := CloseServerShutdown
	if reason == engine.ReasonBackpressure {
		code = CloseBackpressure
		gw.metrics.BackpressureCloses.Inc()
	}

	sess.mu.Lock()
	conn := sess.conn
	sess.mu.Unlock()
	if conn != nil {
		gw.closeConn(conn, code, reason)
	}
	sess.logger.Warn("session kicked", "reason", reason)
	gw.destroy(sess)
}

// destroy tears a session down completely: maps, outbox, engine membership.
func (gw *Gateway) destroy(sess *Session) {
	gw.mu.Lock()
	if sess.closed {
		gw.mu.Unlock()
		return
	}
	sess.closed = true
	if timer, ok := gw.retained[sess.connID]; ok {
		timer.Stop()
		delete(gw.retained, sess.connID)
	}
	if gw.sessions[sess.connID] == sess {
		delete(gw.sessions, sess.connID)
	}
	gw.mu.Unlock()

	sess.detachConn()
	sess.out.close()
	if eng := sess.currentEngine(); eng != nil {
		eng.Detach(sess.connID)
	}
}

// Shutdown closes every live connection and destroys all sessions.
func (gw *Gateway) Shutdown(ctx context.Context) {
	gw.mu.Lock()
	gw.closed = true
	sessions := make([]*Session, 0, len(gw.sessions))
	for _, sess := range gw.sessions {
		sessions = append(sessions, sess)
	}
	gw.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		conn := sess.conn
		sess.mu.Unlock()
		if conn != nil {
			gw.closeConn(conn, CloseServerShutdown, "server shutdown")
		}
		gw.destroy(sess)
	}
}

// closeConn sends a close frame with one of the protocol close codes.
func (gw *Gateway) closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}
