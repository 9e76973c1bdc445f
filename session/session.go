// Package session persists the conversation transcript shown by the CLI.
// The engine never writes here; callers record each turn themselves.
package session

import (
	"context"
	"database/sql"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/m4xw311/codexd/errors"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	ID        string
	Role      string
	Content   string
	Timestamp time.Time
}

// Store is a SQLite-backed transcript.
type Store struct {
	db   *sql.DB
	path string
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// newID returns a ULID, so ids sort in insertion order.
func newID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Open opens the database at path, creating its directory. Call Init before
// use.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrapf(err, "could not create transcript directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open transcript %s", path)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init applies pragmas and the schema.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode = DELETE;",
		"PRAGMA busy_timeout = 5000;",
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "init transcript")
		}
	}
	return nil
}

// SaveMessage appends one message and returns it.
func (s *Store) SaveMessage(ctx context.Context, role, content string) (Message, error) {
	now := time.Now()
	m := Message{ID: newID(now), Role: role, Content: content, Timestamp: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, role, content, timestamp) VALUES (?, ?, ?, ?);`,
		m.ID, m.Role, m.Content, now.UnixMilli())
	if err != nil {
		return Message{}, errors.Wrapf(err, "save message")
	}
	return m, nil
}

// LoadMessages returns the most recent limit messages, oldest first. A
// non-positive limit returns everything.
func (s *Store) LoadMessages(ctx context.Context, limit int) ([]Message, error) {
	query := `SELECT id, role, content, timestamp FROM (
		SELECT id, role, content, timestamp FROM messages ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC;`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "load messages")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &ts); err != nil {
			return nil, errors.Wrapf(err, "scan message")
		}
		m.Timestamp = time.UnixMilli(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages;`).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count messages")
	}
	return n, nil
}

// Wipe deletes every message and compacts the file so nothing remains on
// disk.
func (s *Store) Wipe(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages;`); err != nil {
		return errors.Wrapf(err, "wipe messages")
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM;`); err != nil {
		return errors.Wrapf(err, "vacuum transcript")
	}
	return nil
}
