package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"collab-engine/pkg/ot"
)

// PostgresStore persists documents and version history in Postgres.
//
// Expected schema (migrations are managed outside this service):
//
//	CREATE TABLE documents (
//	    id         TEXT PRIMARY KEY,
//	    content    TEXT NOT NULL,
//	    version    INTEGER NOT NULL,
//	    owner_id   TEXT NOT NULL DEFAULT '',
//	    language   TEXT NOT NULL DEFAULT '',
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE document_versions (
//	    document_id TEXT NOT NULL,
//	    version     INTEGER NOT NULL,
//	    operation   JSONB NOT NULL,
//	    author_id   TEXT NOT NULL DEFAULT '',
//	    content     TEXT NOT NULL DEFAULT '',
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (document_id, version)
//	);
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type documentRow struct {
	ID        string    `db:"id"`
	Content   string    `db:"content"`
	Version   int       `db:"version"`
	OwnerID   string    `db:"owner_id"`
	Language  string    `db:"language"`
	UpdatedAt time.Time `db:"updated_at"`
}

type versionRow struct {
	DocumentID string    `db:"document_id"`
	Version    int       `db:"version"`
	Operation  []byte    `db:"operation"`
	AuthorID   string    `db:"author_id"`
	Content    string    `db:"content"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *PostgresStore) LoadDocument(ctx context.Context, id string) (Snapshot, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, content, version, owner_id, language, updated_at
		 FROM documents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load document %s: %w", id, err)
	}
	return Snapshot{
		Content:   row.Content,
		Version:   row.Version,
		OwnerID:   row.OwnerID,
		Language:  row.Language,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// SaveDocument upserts, keeping the row with the highest version. Replaying
// the same version is a no-op, which makes autosave retries idempotent.
func (s *PostgresStore) SaveDocument(ctx context.Context, id string, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, content, version, owner_id, language, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET content = EXCLUDED.content,
		     version = EXCLUDED.version,
		     owner_id = EXCLUDED.owner_id,
		     language = EXCLUDED.language,
		     updated_at = EXCLUDED.updated_at
		 WHERE documents.version <= EXCLUDED.version`,
		id, snap.Content, snap.Version, snap.OwnerID, snap.Language, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save document %s@%d: %w", id, snap.Version, err)
	}
	return nil
}

// AppendVersion inserts one history record. Duplicate (document, version)
// pairs are ignored so an ambiguous failure can be retried safely.
func (s *PostgresStore) AppendVersion(ctx context.Context, rec VersionRecord) error {
	opJSON, err := json.Marshal(rec.Op)
	if err != nil {
		return fmt.Errorf("encode operation %s@%d: %w", rec.DocumentID, rec.Version, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO document_versions (document_id, version, operation, author_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (document_id, version) DO NOTHING`,
		rec.DocumentID, rec.Version, opJSON, rec.AuthorID, rec.Content, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append version %s@%d: %w", rec.DocumentID, rec.Version, err)
	}
	return nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, id string, limit int) ([]VersionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []versionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT document_id, version, operation, author_id, content, created_at
		 FROM document_versions
		 WHERE document_id = $1
		 ORDER BY version DESC
		 LIMIT $2`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions %s: %w", id, err)
	}

	out := make([]VersionRecord, 0, len(rows))
	for _, row := range rows {
		var op ot.Operation
		if err := json.Unmarshal(row.Operation, &op); err != nil {
			return nil, fmt.Errorf("decode operation %s@%d: %w", row.DocumentID, row.Version, err)
		}
		out = append(out, VersionRecord{
			DocumentID: row.DocumentID,
			Version:    row.Version,
			Op:         op,
			AuthorID:   row.AuthorID,
			Content:    row.Content,
			CreatedAt:  row.CreatedAt,
		})
	}
	return out, nil
}
