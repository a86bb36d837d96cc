// Package engine hosts the authoritative state machine for open documents.
// Each document is owned by exactly one Engine: a single-writer actor whose
// FIFO inbox serializes every mutation, so the document state needs no locks
// and no lock is ever held across a suspension point.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"collab-engine/internal/auth"
	"collab-engine/internal/bus"
	"collab-engine/internal/metrics"
	"collab-engine/internal/storage"
	"collab-engine/pkg/ot"
)

// Admission errors, reported to the submitter only.
var (
	ErrFutureVersion   = errors.New("operation base version is ahead of the document")
	ErrTooStale        = errors.New("operation base version predates the retained log")
	ErrUnknownDocument = errors.New("unknown document")
	ErrTerminated      = errors.New("document engine terminated")
)

// Config bounds a document engine.
type Config struct {
	NodeID           string
	LogFloor         int
	InboxSize        int
	AutosaveInterval time.Duration
	DrainGrace       time.Duration
}

func (c Config) withDefaults() Config {
	if c.LogFloor <= 0 {
		c.LogFloor = 1024
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = 30 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
	return c
}

// Snapshot bootstraps a new or resyncing client.
type Snapshot struct {
	DocumentID string          `json:"documentId"`
	Content    string          `json:"content"`
	Version    int             `json:"version"`
	Members    []PresenceEntry `json:"members"`
}

// Inbox messages. Replies are buffered channels so the loop never blocks on
// a caller that gave up.
type attachMsg struct {
	sub       Subscriber
	principal auth.Principal
	reply     chan attachReply
}

type attachReply struct {
	snap Snapshot
	err  error
}

type detachMsg struct {
	connID string
}

type submitMsg struct {
	connID string
	op     ot.Operation
	reply  chan submitReply
}

type submitReply struct {
	version int
	err     error
}

type presenceMsg struct {
	connID string
	upd    PresenceUpdate
}

type syncMsg struct {
	connID string
	have   int
	reply  chan syncReply
}

type syncReply struct {
	ops  []ot.Operation
	snap *Snapshot
	err  error
}

type remoteMsg struct {
	msg bus.Message
}

type statMsg struct {
	reply chan Snapshot
}

type shutdownMsg struct {
	done chan struct{}
}

type subEntry struct {
	sub       Subscriber
	principal auth.Principal
}

// Engine is the single-writer actor for one document.
type Engine struct {
	id      string
	cfg     Config
	logger  *slog.Logger
	store   storage.Store
	writer  *storage.Writer
	fanout  bus.Bus
	metrics *metrics.Metrics

	inbox chan any
	done  chan struct{}

	onTerminate func(id string)
	busCancel   func()

	// State below is owned by the run loop.
	content        string
	version        int
	ownerID        string
	language       string
	log            *opLog
	clientVersions map[string]int
	subs           map[string]subEntry
	presence       *presenceSet
	lastSaved      int
	drainTimer     *time.Timer
}

// New creates the engine and starts its loop. The engine begins in the
// loading state: the snapshot load runs before the first inbox message is
// consumed, so early submissions simply queue up.
func New(id string, cfg Config, store storage.Store, writer *storage.Writer, fanout bus.Bus, m *metrics.Metrics, logger *slog.Logger, onTerminate func(string)) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		id:             id,
		cfg:            cfg,
		logger:         logger.With("document", id),
		store:          store,
		writer:         writer,
		fanout:         fanout,
		metrics:        m,
		inbox:          make(chan any, cfg.InboxSize),
		done:           make(chan struct{}),
		log:            newOpLog(cfg.LogFloor),
		clientVersions: make(map[string]int),
		subs:           make(map[string]subEntry),
		presence:       newPresenceSet(),
		onTerminate:    onTerminate,
	}
	e.busCancel = fanout.Subscribe(id, func(msg bus.Message) {
		if msg.Origin == cfg.NodeID {
			return
		}
		select {
		case e.inbox <- remoteMsg{msg: msg}:
		case <-e.done:
		}
	})
	go e.run()
	return e
}

func (e *Engine) ID() string { return e.id }

// Done is closed once the engine reaches the terminated state.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) send(ctx context.Context, msg any) error {
	select {
	case e.inbox <- msg:
		return nil
	case <-e.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach registers a session, adds its presence entry and returns the
// bootstrap snapshot. Other members learn about the join via a broadcast.
func (e *Engine) Attach(ctx context.Context, sub Subscriber, principal auth.Principal) (Snapshot, error) {
	reply := make(chan attachReply, 1)
	if err := e.send(ctx, attachMsg{sub: sub, principal: principal, reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case r := <-reply:
		return r.snap, r.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Detach removes a session. In-flight operations it already submitted still
// apply; only its outbound delivery stops.
func (e *Engine) Detach(connID string) {
	select {
	case e.inbox <- detachMsg{connID: connID}:
	case <-e.done:
	}
}

// Submit runs the admission pipeline for one client operation and returns
// the assigned version.
func (e *Engine) Submit(ctx context.Context, connID string, op ot.Operation) (int, error) {
	reply := make(chan submitReply, 1)
	if err := e.send(ctx, submitMsg{connID: connID, op: op, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case r := <-reply:
		return r.version, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// UpdatePresence overwrites the submitting user's presence entry.
func (e *Engine) UpdatePresence(connID string, upd PresenceUpdate) {
	select {
	case e.inbox <- presenceMsg{connID: connID, upd: upd}:
	case <-e.done:
	}
}

// Sync returns the operations after haveVersion, or a full snapshot when the
// log no longer reaches back that far.
func (e *Engine) Sync(ctx context.Context, connID string, haveVersion int) ([]ot.Operation, *Snapshot, error) {
	reply := make(chan syncReply, 1)
	if err := e.send(ctx, syncMsg{connID: connID, have: haveVersion, reply: reply}); err != nil {
		return nil, nil, err
	}
	select {
	case r := <-reply:
		return r.ops, r.snap, r.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Stat returns the current snapshot. Used by the gateway and tests.
func (e *Engine) Stat(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := e.send(ctx, statMsg{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Shutdown flushes a final autosave and terminates the engine. Used on
// service shutdown; normal teardown happens via drain after the last detach.
func (e *Engine) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	select {
	case e.inbox <- shutdownMsg{done: done}:
	case <-e.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (e *Engine) run() {
	if !e.load() {
		e.terminate()
		e.failPending()
		return
	}

	autosave := time.NewTicker(e.cfg.AutosaveInterval)
	defer autosave.Stop()

	// A stopped timer that never fires until draining starts.
	e.drainTimer = time.NewTimer(time.Hour)
	e.drainTimer.Stop()
	defer e.drainTimer.Stop()

	e.metrics.ActiveDocuments.Inc()
	defer e.metrics.ActiveDocuments.Dec()

	for {
		select {
		case msg := <-e.inbox:
			switch m := msg.(type) {
			case attachMsg:
				m.reply <- e.handleAttach(m)
			case detachMsg:
				e.handleDetach(m.connID)
			case submitMsg:
				m.reply <- e.handleSubmit(m)
			case presenceMsg:
				e.handlePresence(m)
			case syncMsg:
				m.reply <- e.handleSync(m)
			case remoteMsg:
				e.handleRemote(m.msg)
			case statMsg:
				m.reply <- e.snapshot()
			case shutdownMsg:
				e.terminate()
				close(m.done)
				return
			}

		case <-autosave.C:
			e.autosave()

		case <-e.drainTimer.C:
			if len(e.subs) == 0 {
				e.logger.Info("drain grace elapsed, terminating", "version", e.version)
				e.terminate()
				return
			}
		}
	}
}

const (
	loadRetryAttempts = 3
	loadRetryBackoff  = 250 * time.Millisecond
)

// load pulls the snapshot from persistence, retrying transient failures. A
// missing document starts empty at version 0 and is created on first save.
// Reports false when the store keeps failing: the engine must not serve an
// empty version 0 of a document persistence may hold at a higher version, so
// it terminates and the next Acquire retries the load.
func (e *Engine) load() bool {
	backoff := loadRetryBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		snap, err := e.store.LoadDocument(ctx, e.id)
		cancel()

		switch {
		case errors.Is(err, storage.ErrNotFound):
			e.logger.Info("document not in store, starting empty")
			return true
		case err == nil:
			e.content = snap.Content
			e.version = snap.Version
			e.ownerID = snap.OwnerID
			e.language = snap.Language
			e.lastSaved = snap.Version
			e.logger.Info("document loaded", "version", snap.Version)
			return true
		}

		if attempt >= loadRetryAttempts {
			e.logger.Error("snapshot load failed, terminating", "attempts", attempt, "error", err)
			return false
		}
		e.logger.Warn("snapshot load failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
}

// failPending answers whatever queued up behind a failed load so callers get
// an error instead of waiting out their deadlines.
func (e *Engine) failPending() {
	for {
		select {
		case msg := <-e.inbox:
			switch m := msg.(type) {
			case attachMsg:
				m.reply <- attachReply{err: ErrTerminated}
			case submitMsg:
				m.reply <- submitReply{err: ErrTerminated}
			case syncMsg:
				m.reply <- syncReply{err: ErrTerminated}
			case statMsg:
				m.reply <- Snapshot{DocumentID: e.id}
			case shutdownMsg:
				close(m.done)
			}
		default:
			return
		}
	}
}

func (e *Engine) handleAttach(m attachMsg) attachReply {
	connID := m.sub.ConnectionID()
	if !e.drainTimer.Stop() {
		select {
		case <-e.drainTimer.C:
		default:
		}
	}

	e.subs[connID] = subEntry{sub: m.sub, principal: m.principal}
	e.clientVersions[connID] = e.version

	entry := e.presence.upsert(m.principal.UserID, m.principal.DisplayName, m.principal.Color)
	joined := *entry
	e.broadcast(Event{
		Type:       EventUserJoined,
		DocumentID: e.id,
		User:       &joined,
		UserID:     m.principal.UserID,
	}, connID)

	e.logger.Debug("session attached", "connection", connID, "user", m.principal.UserID, "sessions", len(e.subs))
	return attachReply{snap: e.snapshot()}
}

func (e *Engine) handleDetach(connID string) {
	entry, ok := e.subs[connID]
	if !ok {
		return
	}
	delete(e.subs, connID)
	delete(e.clientVersions, connID)

	// Drop presence only when no other connection carries the same user.
	userID := entry.principal.UserID
	stillHere := false
	for _, other := range e.subs {
		if other.principal.UserID == userID {
			stillHere = true
			break
		}
	}
	if !stillHere && e.presence.remove(userID) {
		e.broadcast(Event{Type: EventUserLeft, DocumentID: e.id, UserID: userID}, connID)
	}

	e.logger.Debug("session detached", "connection", connID, "sessions", len(e.subs))
	if len(e.subs) == 0 {
		e.drainTimer.Reset(e.cfg.DrainGrace)
	}
}

// handleSubmit is the admission pipeline: version check, transformation
// against the logged window, bounds validation, apply, version assignment,
// broadcast and async persistence. Rejections touch only the submitter.
func (e *Engine) handleSubmit(m submitMsg) submitReply {
	op := m.op

	if op.BaseVersion > e.version {
		e.metrics.OpsRejected.WithLabelValues("future_version").Inc()
		return submitReply{err: ErrFutureVersion}
	}

	if op.BaseVersion < e.version {
		window, ok := e.log.since(op.BaseVersion, e.version)
		if !ok {
			e.metrics.OpsRejected.WithLabelValues("too_stale").Inc()
			return submitReply{err: ErrTooStale}
		}
		for _, logged := range window {
			_, op = ot.Transform(logged, op)
		}
	}

	next, err := ot.Apply(e.content, op)
	if err != nil {
		e.metrics.OpsRejected.WithLabelValues("out_of_range").Inc()
		return submitReply{err: err}
	}

	e.content = next
	e.version++
	op.Version = e.version
	op.Timestamp = time.Now().UnixMilli()
	e.log.append(op)
	e.clientVersions[op.ClientID] = e.version
	e.evictLog()
	e.metrics.OpsApplied.Inc()

	applied := op
	e.broadcast(Event{
		Type:       EventApplied,
		DocumentID: e.id,
		Op:         &applied,
		Version:    e.version,
	}, m.connID)
	e.publish(bus.Message{
		DocumentID: e.id,
		Origin:     e.cfg.NodeID,
		Type:       bus.MessageApplied,
		Op:         applied,
	})
	e.writer.EnqueueAppend(storage.VersionRecord{
		DocumentID: e.id,
		Version:    op.Version,
		Op:         op,
		AuthorID:   op.AuthorID,
		Content:    e.content,
		CreatedAt:  time.UnixMilli(op.Timestamp),
	})

	return submitReply{version: e.version}
}

func (e *Engine) handlePresence(m presenceMsg) {
	entry, ok := e.subs[m.connID]
	if !ok {
		return
	}
	updated := e.presence.apply(entry.principal.UserID, m.upd)
	if updated == nil {
		return
	}
	e.metrics.PresenceEvents.Inc()

	e.broadcast(Event{
		Type:       EventPresence,
		DocumentID: e.id,
		Members:    e.presence.members(),
		UserID:     updated.UserID,
	}, m.connID)
	e.publish(bus.Message{
		DocumentID: e.id,
		Origin:     e.cfg.NodeID,
		Type:       bus.MessagePresence,
		Presence: &bus.Presence{
			UserID:      updated.UserID,
			DisplayName: updated.DisplayName,
			Color:       updated.Color,
			Line:        updated.Cursor.Line,
			Column:      updated.Cursor.Column,
			IsTyping:    updated.IsTyping,
		},
	})
}

func (e *Engine) handleSync(m syncMsg) syncReply {
	ops, ok := e.log.since(m.have, e.version)
	if !ok {
		snap := e.snapshot()
		if _, attached := e.subs[m.connID]; attached {
			e.clientVersions[m.connID] = e.version
		}
		return syncReply{snap: &snap}
	}
	if _, attached := e.subs[m.connID]; attached {
		e.clientVersions[m.connID] = e.version
	}
	return syncReply{ops: ops}
}

// handleRemote injects a pre-versioned message from the fan-out bus. The
// originating engine is authoritative for the version, so the operation is
// applied as-is after deduplication by version.
func (e *Engine) handleRemote(msg bus.Message) {
	switch msg.Type {
	case bus.MessageApplied:
		op := msg.Op
		if op.Version <= e.version {
			return // at-least-once delivery, already seen
		}
		if op.Version != e.version+1 {
			e.logger.Warn("gap in fan-out stream, dropping",
				"have", e.version, "got", op.Version)
			return
		}
		next, err := ot.Apply(e.content, op)
		if err != nil {
			// An op the authoritative engine produced must apply cleanly;
			// failing here is an invariant breach, so reload from snapshot.
			e.logger.Error("remote operation failed to apply, reloading snapshot",
				"version", op.Version, "error", err)
			e.reload()
			return
		}
		e.content = next
		e.version = op.Version
		e.log.append(op)
		e.evictLog()
		e.broadcast(Event{
			Type:       EventApplied,
			DocumentID: e.id,
			Op:         &op,
			Version:    op.Version,
		}, "")

	case bus.MessagePresence:
		if msg.Presence == nil {
			return
		}
		remote := msg.Presence
		entry := e.presence.upsert(remote.UserID, remote.DisplayName, remote.Color)
		entry.Cursor = Position{Line: remote.Line, Column: remote.Column}
		entry.IsTyping = remote.IsTyping
		e.broadcast(Event{
			Type:       EventPresence,
			DocumentID: e.id,
			Members:    e.presence.members(),
			UserID:     remote.UserID,
		}, "")
	}
}

// broadcast fans an event out to every attached session except the excluded
// connection. A session whose queue is full is dropped and told to
// disconnect; the engine never blocks on a slow consumer.
func (e *Engine) broadcast(ev Event, excludeConnID string) {
	var dropped []string
	for connID, entry := range e.subs {
		if connID == excludeConnID {
			continue
		}
		if entry.sub.Send(ev) {
			e.metrics.BroadcastEvents.Inc()
			continue
		}
		dropped = append(dropped, connID)
	}
	for _, connID := range dropped {
		entry := e.subs[connID]
		e.logger.Warn("outbound queue full, dropping session", "connection", connID)
		entry.sub.Disconnect(ReasonBackpressure)
		e.handleDetach(connID)
	}
}

func (e *Engine) publish(msg bus.Message) {
	if err := e.fanout.Publish(context.Background(), msg); err != nil {
		e.logger.Warn("fan-out publish failed", "error", err)
	}
}

func (e *Engine) evictLog() {
	minAcked := e.version
	for _, v := range e.clientVersions {
		if v < minAcked {
			minAcked = v
		}
	}
	e.log.evict(minAcked, e.version)
}

func (e *Engine) snapshot() Snapshot {
	return Snapshot{
		DocumentID: e.id,
		Content:    e.content,
		Version:    e.version,
		Members:    e.presence.members(),
	}
}

func (e *Engine) autosave() {
	if e.version == e.lastSaved {
		return
	}
	e.writer.EnqueueSave(e.id, storage.Snapshot{
		Content:   e.content,
		Version:   e.version,
		OwnerID:   e.ownerID,
		Language:  e.language,
		UpdatedAt: time.Now(),
	})
	e.lastSaved = e.version
}

// reload replaces the in-memory state with the persisted snapshot after an
// invariant breach. History and acknowledged versions restart from the
// snapshot; attached clients resync on their next stale submission.
func (e *Engine) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := e.store.LoadDocument(ctx, e.id)
	if err != nil {
		e.logger.Error("snapshot reload failed, keeping in-memory state", "error", err)
		return
	}
	e.content = snap.Content
	e.version = snap.Version
	e.lastSaved = snap.Version
	e.log = newOpLog(e.cfg.LogFloor)
	for connID := range e.clientVersions {
		e.clientVersions[connID] = snap.Version
	}
}

// terminate runs the final autosave, drains the persistence queue and marks
// the engine done. Remaining subscribers (service shutdown path) are told to
// disconnect.
func (e *Engine) terminate() {
	for connID, entry := range e.subs {
		delete(e.subs, connID)
		entry.sub.Disconnect(ReasonServerShutdown)
	}

	e.autosave()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	e.writer.Close(ctx)

	e.busCancel()
	close(e.done)
	if e.onTerminate != nil {
		e.onTerminate(e.id)
	}
	e.logger.Info("document engine terminated", "version", e.version)
}
