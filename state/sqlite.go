package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS consumed_messages (
	message_id  TEXT PRIMARY KEY,
	consumed_at DATETIME NOT NULL
);`

// SQLiteTracker stores the ledger in a SQLite database, which lets several
// test processes on one machine share it safely.
type SQLiteTracker struct {
	db *sqlx.DB
}

func NewSQLiteTracker(dbPath string) (*SQLiteTracker, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

func (s *SQLiteTracker) AlreadyConsumed(messageID string) bool {
	if messageID == "" {
		return false
	}
	var id string
	err := s.db.Get(&id, "SELECT message_id FROM consumed_messages WHERE message_id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	return err == nil
}

func (s *SQLiteTracker) MarkConsumed(messageID string) error {
	if messageID == "" {
		return nil
	}
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO consumed_messages (message_id, consumed_at) VALUES (?, ?)",
		messageID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording consumed message %q: %w", messageID, err)
	}
	return nil
}

func (s *SQLiteTracker) Snapshot() Snapshot {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM consumed_messages"); err != nil {
		return Snapshot{}
	}
	return Snapshot{Consumed: count}
}

// Close closes the underlying database connection.
func (s *SQLiteTracker) Close() error {
	return s.db.Close()
}
