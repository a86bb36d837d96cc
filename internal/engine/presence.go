package engine

import (
	"time"
)

// Position is a cursor location in the document.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Selection is a directed range; Head is where the cursor sits.
type Selection struct {
	Anchor Position `json:"anchor"`
	Head   Position `json:"head"`
}

// PresenceEntry is the ephemeral per-user state visible to co-editors.
// Entries live only while a session is attached and are never persisted.
type PresenceEntry struct {
	UserID       string     `json:"userId"`
	DisplayName  string     `json:"displayName"`
	Color        string     `json:"color"`
	Cursor       Position   `json:"cursor"`
	Selection    *Selection `json:"selection,omitempty"`
	IsTyping     bool       `json:"isTyping"`
	LastActivity time.Time  `json:"lastActivity"`
}

// PresenceUpdate carries the changed fields of a presence entry. Nil fields
// leave the current value untouched; ClearSelection drops the selection.
type PresenceUpdate struct {
	Cursor         *Position
	Selection      *Selection
	ClearSelection bool
	Typing         *bool
}

// presenceSet holds the entries for one document. It is owned by the engine
// loop and mutated only there, so it needs no locking.
type presenceSet struct {
	entries map[string]*PresenceEntry
}

func newPresenceSet() *presenceSet {
	return &presenceSet{entries: make(map[string]*PresenceEntry)}
}

func (p *presenceSet) upsert(userID, displayName, color string) *PresenceEntry {
	entry, ok := p.entries[userID]
	if !ok {
		entry = &PresenceEntry{UserID: userID, DisplayName: displayName, Color: color}
		p.entries[userID] = entry
	}
	entry.LastActivity = time.Now()
	return entry
}

func (p *presenceSet) apply(userID string, upd PresenceUpdate) *PresenceEntry {
	entry, ok := p.entries[userID]
	if !ok {
		return nil
	}
	if upd.Cursor != nil {
		entry.Cursor = *upd.Cursor
	}
	if upd.Selection != nil {
		entry.Selection = upd.Selection
	}
	if upd.ClearSelection {
		entry.Selection = nil
	}
	if upd.Typing != nil {
		entry.IsTyping = *upd.Typing
	}
	entry.LastActivity = time.Now()
	return entry
}

func (p *presenceSet) remove(userID string) bool {
	if _, ok := p.entries[userID]; !ok {
		return false
	}
	delete(p.entries, userID)
	return true
}

// members returns a stable value copy of every entry for broadcasting.
func (p *presenceSet) members() []PresenceEntry {
	out := make([]PresenceEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		out = append(out, *entry)
	}
	return out
}
