package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db *sql.DB
}

var _ Adapter = (*sqliteStore)(nil)

// NewSQLite returns an Adapter backed by SQLite.
// If dbPath is empty or ":memory:", an in-memory database is used.
func NewSQLite(dbPath string) (Adapter, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "store: open sqlite")
	}

	// Enable WAL mode for better concurrent performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: enable WAL")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: create records table")
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Mark(err, ErrUnavailable)
	}
	return value, nil
}

func (s *sqliteStore) Save(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano(),
	)
	if err != nil {
		return errors.Mark(err, ErrUnavailable)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	if err != nil {
		return errors.Mark(err, ErrUnavailable)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}
