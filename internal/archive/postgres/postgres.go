// Package postgres provides the PostgreSQL-backed transcript archive.
//
// [New] establishes a [pgxpool.Pool], pings the database, and creates the
// transcripts and completed_tasks tables when missing. The archive is
// append-only; the gateway never reads it back during a session.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voiceswitch/voiceswitch/internal/archive"
)

var _ archive.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS transcripts (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL,
    agent_id   TEXT         NOT NULL DEFAULT '',
    role       TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_session_at
    ON transcripts (session_id, at);

CREATE TABLE IF NOT EXISTS completed_tasks (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL,
    agent_id   TEXT         NOT NULL DEFAULT '',
    summary    TEXT         NOT NULL,
    at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_completed_tasks_session
    ON completed_tasks (session_id);
`

// Store is a PostgreSQL-backed [archive.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies reachability, and ensures
// the archive schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// AppendTranscript implements [archive.Store].
func (s *Store) AppendTranscript(ctx context.Context, rec archive.TranscriptRecord) error {
	const q = `
		INSERT INTO transcripts (session_id, agent_id, role, text, at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q, rec.SessionID, rec.AgentID, rec.Role, rec.Text, rec.At)
	if err != nil {
		return fmt.Errorf("archive postgres: append transcript: %w", err)
	}
	return nil
}

// AppendTask implements [archive.Store].
func (s *Store) AppendTask(ctx context.Context, rec archive.TaskRecord) error {
	const q = `
		INSERT INTO completed_tasks (session_id, agent_id, summary, at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, rec.SessionID, rec.AgentID, rec.Summary, rec.At)
	if err != nil {
		return fmt.Errorf("archive postgres: append task: %w", err)
	}
	return nil
}

// Ping implements [archive.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive postgres: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool. The context is unused; pgx pool
// shutdown does not take one.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}
