package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a map-backed Store for dev mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]Snapshot
	versions map[string][]VersionRecord
	seen     map[string]map[int]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]Snapshot),
		versions: make(map[string][]VersionRecord),
		seen:     make(map[string]map[int]bool),
	}
}

func (s *MemoryStore) LoadDocument(_ context.Context, id string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.docs[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) SaveDocument(_ context.Context, id string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.docs[id]; ok && cur.Version > snap.Version {
		// Stale save after a newer one already landed; keep the newer state.
		return nil
	}
	s.docs[id] = snap
	return nil
}

func (s *MemoryStore) AppendVersion(_ context.Context, rec VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[rec.DocumentID] == nil {
		s.seen[rec.DocumentID] = make(map[int]bool)
	}
	if s.seen[rec.DocumentID][rec.Version] {
		return nil
	}
	s.seen[rec.DocumentID][rec.Version] = true
	s.versions[rec.DocumentID] = append(s.versions[rec.DocumentID], rec)
	return nil
}

func (s *MemoryStore) ListVersions(_ context.Context, id string, limit int) ([]VersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.versions[id]
	out := make([]VersionRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
