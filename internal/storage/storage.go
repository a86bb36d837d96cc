// Package storage defines the persistence contract the document engine
// consumes, plus the Postgres and in-memory implementations and the
// asynchronous writer that keeps persistence off the engine's hot path.
package storage

import (
	"context"
	"errors"
	"time"

	"collab-engine/pkg/ot"
)

// ErrNotFound is returned by LoadDocument for unknown document ids.
var ErrNotFound = errors.New("document not found")

// Snapshot is the (content, version) pair sufficient to bootstrap a new or
// resyncing client, plus document metadata.
type Snapshot struct {
	Content   string
	Version   int
	OwnerID   string
	Language  string
	UpdatedAt time.Time
}

// VersionRecord is one immutable entry of a document's history.
type VersionRecord struct {
	DocumentID string
	Version    int
	Op         ot.Operation
	AuthorID   string
	CreatedAt  time.Time

	// Content optionally snapshots the post-apply text.
	Content string
}

// Store is the document repository contract. Implementations must be safe
// for concurrent use by many engines.
//
// SaveDocument is an upsert and idempotent on version. AppendVersion must
// tolerate a duplicate (documentID, version) pair without duplicating the
// record, so an ambiguous failure can be retried safely.
type Store interface {
	LoadDocument(ctx context.Context, id string) (Snapshot, error)
	SaveDocument(ctx context.Context, id string, snap Snapshot) error
	AppendVersion(ctx context.Context, rec VersionRecord) error
	ListVersions(ctx context.Context, id string, limit int) ([]VersionRecord, error)
}
