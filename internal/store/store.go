// Package store mirrors visit events and the gallery into PostgreSQL.
//
// The CSV visit log stays the system of record; the database is an optional copy that several
// stations can share. Visits are unique per (name, day), so stations racing to log the same person
// on the same day produce a single row.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/visitwatch/internal/gallery"
	"github.com/andresmejia3/visitwatch/internal/types"
)

// DB is the subset of pgx used by the store. *pgxpool.Pool and pgxmock pools implement it.
// Implementations must be safe for concurrent use; every session records visits from its own goroutine.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store manages the PostgreSQL connection pool and pgvector operations.
type Store struct {
	db       DB
	pool     *pgxpool.Pool
	location *time.Location
}

// Visit is a mirrored visit row.
type Visit struct {
	SessionID uuid.UUID
	types.VisitEvent
}

// New opens a connection pool to the database and ensures the schema is initialized.
// Calendar days are computed in loc (UTC when nil).
func New(ctx context.Context, connString string, loc *time.Location) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	s := NewWithDB(pool, loc)
	s.pool = pool
	return s, nil
}

// NewWithDB wraps an existing pool without touching the schema.
func NewWithDB(db DB, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{db: db, location: loc}
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, db DB) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS visits (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL,
			name TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			seen_at TIMESTAMPTZ NOT NULL,
			day DATE NOT NULL,
			UNIQUE (name, day)
		);
		CREATE TABLE IF NOT EXISTS gallery_entries (
			id SERIAL PRIMARY KEY,
			label TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS visits_day_idx ON visits (day);
		CREATE INDEX IF NOT EXISTS gallery_entries_label_idx ON gallery_entries (label);
	`, types.EmbeddingDim)
	_, err := db.Exec(ctx, query)
	return err
}

// Close releases every pooled connection. Stores built with NewWithDB leave db to the caller.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InsertVisit mirrors one visit. It reports false when the identity already has a row for that day.
func (s *Store) InsertVisit(ctx context.Context, sessionID uuid.UUID, ev types.VisitEvent) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO visits (session_id, name, confidence, seen_at, day)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, day) DO NOTHING
	`, sessionID, ev.Name, ev.Confidence, ev.Timestamp, ev.Timestamp.In(s.location).Format(time.DateOnly))
	if err != nil {
		return false, fmt.Errorf("insert visit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// VisitsOn returns the mirrored visits of one calendar day (YYYY-MM-DD), oldest first.
func (s *Store) VisitsOn(ctx context.Context, day string) ([]Visit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_id, name, confidence, seen_at
		FROM visits
		WHERE day = $1
		ORDER BY seen_at ASC
	`, day)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	var out []Visit
	for rows.Next() {
		var v Visit
		if err := rows.Scan(&v.SessionID, &v.Name, &v.Confidence, &v.Timestamp); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ReplaceGallery swaps the mirrored gallery for g in one transaction and returns the rows written.
func (s *Store) ReplaceGallery(ctx context.Context, g *gallery.Store) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM gallery_entries"); err != nil {
		return 0, fmt.Errorf("clear gallery: %w", err)
	}
	for _, e := range g.Entries() {
		if _, err := tx.Exec(ctx,
			"INSERT INTO gallery_entries (label, embedding) VALUES ($1, $2)",
			e.Label, toVector(e.Embedding),
		); err != nil {
			return 0, fmt.Errorf("insert gallery entry %s: %w", e.Label, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit gallery: %w", err)
	}
	return g.Len(), nil
}

// LoadGallery reads the mirrored gallery back, in insertion order.
func (s *Store) LoadGallery(ctx context.Context) (*gallery.Store, error) {
	rows, err := s.db.Query(ctx, "SELECT label, embedding FROM gallery_entries ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("%w: query gallery: %w", types.ErrGalleryLoad, err)
	}
	defer rows.Close()

	var entries []gallery.Entry
	for rows.Next() {
		var label string
		var vec *pgvector.Vector
		if err := rows.Scan(&label, &vec); err != nil {
			return nil, fmt.Errorf("%w: scan gallery entry: %w", types.ErrGalleryLoad, err)
		}
		if vec == nil {
			return nil, fmt.Errorf("%w: entry %s has no embedding", types.ErrGalleryLoad, label)
		}
		entries = append(entries, gallery.Entry{Label: label, Embedding: fromVector(*vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrGalleryLoad, err)
	}

	g, err := gallery.New(entries...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrGalleryLoad, err)
	}
	return g, nil
}

// ListIdentities counts mirrored reference encodings per label.
func (s *Store) ListIdentities(ctx context.Context) ([]gallery.Identity, error) {
	rows, err := s.db.Query(ctx, `
		SELECT label, COUNT(*)
		FROM gallery_entries
		GROUP BY label
		ORDER BY label ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []gallery.Identity
	for rows.Next() {
		var id gallery.Identity
		var n int64
		if err := rows.Scan(&id.Name, &n); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		id.References = int(n)
		out = append(out, id)
	}
	return out, rows.Err()
}

// RenameIdentity relabels every mirrored gallery entry and visit of oldName.
func (s *Store) RenameIdentity(ctx context.Context, oldName, newName string) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "UPDATE gallery_entries SET label = $1 WHERE label = $2", newName, oldName)
	if err != nil {
		return 0, fmt.Errorf("rename gallery entries: %w", err)
	}
	// A day the new name already has keeps its own row.
	if _, err := tx.Exec(ctx, `
		DELETE FROM visits o USING visits n
		WHERE o.name = $1 AND n.name = $2 AND o.day = n.day
	`, oldName, newName); err != nil {
		return 0, fmt.Errorf("merge visits: %w", err)
	}
	if _, err := tx.Exec(ctx, "UPDATE visits SET name = $1 WHERE name = $2", newName, oldName); err != nil {
		return 0, fmt.Errorf("rename visits: %w", err)
	}
	return tag.RowsAffected(), tx.Commit(ctx)
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		DROP TABLE IF EXISTS visits CASCADE;
		DROP TABLE IF EXISTS gallery_entries CASCADE;
	`)
	return err
}

// toVector narrows e to float32, the only element type pgvector stores.
func toVector(e types.Embedding) pgvector.Vector {
	floats := make([]float32, len(e))
	for i, v := range e {
		floats[i] = float32(v)
	}
	return pgvector.NewVector(floats)
}

func fromVector(v pgvector.Vector) types.Embedding {
	s := v.Slice()
	out := make(types.Embedding, len(s))
	for i, f := range s {
		out[i] = float64(f)
	}
	return out
}
