// Package store persists research sessions in Postgres. The full session
// aggregate lives in a JSONB state column; the columns queried by the list
// endpoint are denormalized next to it. A revision column serializes
// concurrent writers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/deepscout/internal/research"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrConflict = errors.New("session revision conflict")
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Create inserts a new session at revision 1.
func (s *Store) Create(ctx context.Context, sess *research.Session) error {
	state, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO research_sessions (id, title, query, phase, academic_mode, total_sources, state, revision, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$9)`,
		sess.ID, sess.Title, sess.Query, string(sess.Phase), sess.AcademicMode, sess.TotalSources, state, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	sess.Revision = 1
	return nil
}

// Get loads the full session aggregate.
func (s *Store) Get(ctx context.Context, id string) (*research.Session, error) {
	var state []byte
	var revision int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT state, revision FROM research_sessions WHERE id=$1`, id).Scan(&state, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	var sess research.Session
	if err := json.Unmarshal(state, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	sess.Revision = revision
	return &sess, nil
}

// Save writes the session back, guarded by the revision the caller loaded.
// A concurrent writer having bumped the revision yields ErrConflict instead
// of a silent last-write-wins.
func (s *Store) Save(ctx context.Context, sess *research.Session) error {
	state, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE research_sessions
SET title=$2, phase=$3, academic_mode=$4, total_sources=$5, state=$6, revision=revision+1, updated_at=$7
WHERE id=$1 AND revision=$8`,
		sess.ID, sess.Title, string(sess.Phase), sess.AcademicMode, sess.TotalSources, state, sess.UpdatedAt, sess.Revision)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := s.DB.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM research_sessions WHERE id=$1)`, sess.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	sess.Revision++
	return nil
}

// SessionSummary is the list-endpoint projection of a session.
type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Phase        string    `json:"phase"`
	AcademicMode bool      `json:"academic_mode"`
	TotalSources int       `json:"total_sources"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// List returns session summaries, most recently updated first.
func (s *Store) List(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, phase, academic_mode, total_sources, created_at, updated_at
FROM research_sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Phase, &sum.AcademicMode, &sum.TotalSources, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Rename updates the session title, both the column and the copy inside the
// state document.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE research_sessions
SET title=$2, state = jsonb_set(state, '{title}', to_jsonb($2::text)), updated_at=NOW()
WHERE id=$1`, id, title)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session. Deleting an id that is already gone is not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM research_sessions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
