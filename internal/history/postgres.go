package history

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earshot/internal/listen"
)

// Schema is the SQL DDL for the song_history table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS song_history (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    title          TEXT NOT NULL,
    artist         TEXT NOT NULL,
    album          TEXT NOT NULL DEFAULT '',
    cover_art_url  TEXT NOT NULL DEFAULT '',
    background_url TEXT NOT NULL DEFAULT '',
    playback_uri   TEXT NOT NULL DEFAULT '',
    genre          TEXT NOT NULL DEFAULT '',
    identified_at  TIMESTAMPTZ NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_song_history_user_time ON song_history(user_id, identified_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface checks.
var (
	_ Store          = (*PostgresStore)(nil)
	_ listen.Archive = (*PostgresStore)(nil)
)

// PostgresStore is a [Store] backed by a PostgreSQL database. All methods are
// safe for concurrent use.
type PostgresStore struct {
	db     DB
	pool   *pgxpool.Pool // set by [Connect]; closed by Close
	closed atomic.Bool
}

// NewPostgresStore creates a store on an existing connection or pool. The
// caller owns db and is responsible for calling [PostgresStore.Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens a connection pool to dsn, verifies it and applies [Schema].
// The returned store owns the pool.
func Connect(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	s := &PostgresStore{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL, creating the song_history table and its
// index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Append implements [Store]. Re-appending a match with a known ID is a no-op.
func (s *PostgresStore) Append(ctx context.Context, userID string, m listen.Match) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if m.ID == "" {
		return errors.New("history: append: match has no id")
	}

	const q = `
		INSERT INTO song_history
		    (id, user_id, title, artist, album, cover_art_url, background_url, playback_uri, genre, identified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.Exec(ctx, q,
		m.ID, userID, m.Title, m.Artist, m.Album,
		m.CoverArtURL, m.BackgroundURL, m.PlaybackURI, m.Genre,
		m.IdentifiedAt,
	)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, userID string, limit int) ([]listen.Match, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	const base = `
		SELECT id, title, artist, album, cover_art_url, background_url, playback_uri, genre, identified_at
		FROM   song_history
		WHERE  user_id = $1
		ORDER  BY identified_at DESC`

	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(ctx, base+"\n\t\tLIMIT $2", userID, limit)
	} else {
		rows, err = s.db.Query(ctx, base, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return collectMatches(rows)
}

// Ping verifies the database is reachable. It is used as a readiness check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("history: ping: %w", err)
	}
	return nil
}

// Close implements [Store]. The pool is closed only if the store opened it.
func (s *PostgresStore) Close() {
	if s.closed.Swap(true) {
		return
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// collectMatches scans pgx rows into matches.
func collectMatches(rows pgx.Rows) ([]listen.Match, error) {
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (listen.Match, error) {
		var m listen.Match
		err := row.Scan(
			&m.ID, &m.Title, &m.Artist, &m.Album,
			&m.CoverArtURL, &m.BackgroundURL, &m.PlaybackURI, &m.Genre,
			&m.IdentifiedAt,
		)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan rows: %w", err)
	}
	if matches == nil {
		matches = []listen.Match{}
	}
	return matches, nil
}
