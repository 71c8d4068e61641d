// Package sqlitestore keeps property snapshots in a single SQLite table
// through the pure Go modernc.org/sqlite driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/roomsync/roomsync.go/pkg/store"
)

const schema = `CREATE TABLE IF NOT EXISTS property_state (
	property_id TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path. ":memory:" keeps it in RAM.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "roomsync.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; also keeps a ":memory:" database on a single connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create property_state table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Load(ctx context.Context, propertyID string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM property_state WHERE property_id = ?`, propertyID).Scan(&blob)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case errors.Is(err, sql.ErrConnDone), isClosed(err):
		return nil, false, store.ErrClosed
	case err != nil:
		return nil, false, fmt.Errorf("select %s: %w", propertyID, err)
	}
	return blob, true, nil
}

func (s *Store) Save(ctx context.Context, propertyID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO property_state (property_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(property_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		propertyID, blob, time.Now().UTC().Format(time.RFC3339Nano))
	if isClosed(err) {
		return store.ErrClosed
	}
	if err != nil {
		return fmt.Errorf("upsert %s: %w", propertyID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, propertyID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM property_state WHERE property_id = ?`, propertyID)
	if isClosed(err) {
		return store.ErrClosed
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", propertyID, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isClosed(err error) bool {
	return err != nil && err.Error() == "sql: database is closed"
}
