// Package state keeps a local ledger of consumed message ids so a message
// that already yielded a code is not selected again, even when the remote
// mailbox could not be marked.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Tracker interface {
	AlreadyConsumed(messageID string) bool
	MarkConsumed(messageID string) error
	Snapshot() Snapshot
	Close() error
}

type Snapshot struct {
	Consumed int
}

type MemoryTracker struct {
	mu       sync.RWMutex
	consumed map[string]time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{consumed: make(map[string]time.Time)}
}

func (m *MemoryTracker) AlreadyConsumed(messageID string) bool {
	if messageID == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.consumed[messageID]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkConsumed(messageID string) error {
	m.add(messageID, time.Now())
	return nil
}

// add reports whether messageID was newly recorded.
func (m *MemoryTracker) add(messageID string, at time.Time) bool {
	if messageID == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.consumed[messageID]; exists {
		return false
	}
	m.consumed[messageID] = at
	return true
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.consumed)
	m.mu.RUnlock()
	return Snapshot{Consumed: count}
}

func (m *MemoryTracker) Close() error {
	return nil
}

// FileTracker persists consumed ids as JSON lines in consumed.jsonl.
type FileTracker struct {
	*MemoryTracker
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	MessageID  string    `json:"message_id"`
	ConsumedAt time.Time `json:"consumed_at"`
}

func NewFileTracker(stateDir string) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, "consumed.jsonl"),
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	tracker.file = file
	tracker.writer = bufio.NewWriter(file)

	return tracker, nil
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		f.add(record.MessageID, record.ConsumedAt)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// MarkConsumed records messageID and flushes it so concurrent processes
// sharing the directory see it on their next start.
func (f *FileTracker) MarkConsumed(messageID string) error {
	now := time.Now().UTC()
	if !f.add(messageID, now) {
		return nil
	}

	data, err := json.Marshal(fileRecord{MessageID: messageID, ConsumedAt: now})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}

// Open returns a tracker for driver "memory", "file" or "sqlite". For
// "file" dsn is a directory, for "sqlite" a database path or a directory
// that gets a consumed.db.
func Open(driver, dsn string) (Tracker, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryTracker(), nil
	case "file":
		return NewFileTracker(dsn)
	case "sqlite":
		if filepath.Ext(dsn) == "" {
			dsn = filepath.Join(dsn, "consumed.db")
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		return NewSQLiteTracker(dsn)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}

// Scoped returns a view of t whose ids are qualified by scope, so one
// ledger can serve several mailboxes whose message ids overlap (IMAP UIDs
// of different folders, positional mbox ids). An empty scope returns t.
func Scoped(t Tracker, scope string) Tracker {
	if scope == "" {
		return t
	}
	return &scopedTracker{Tracker: t, prefix: scope + "|"}
}

type scopedTracker struct {
	Tracker
	prefix string
}

func (s *scopedTracker) AlreadyConsumed(messageID string) bool {
	if messageID == "" {
		return false
	}
	return s.Tracker.AlreadyConsumed(s.prefix + messageID)
}

func (s *scopedTracker) MarkConsumed(messageID string) error {
	if messageID == "" {
		return nil
	}
	return s.Tracker.MarkConsumed(s.prefix + messageID)
}
