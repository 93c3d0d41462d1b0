package remotestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kakoai/chatsync/internal/chat"
)

// Store is the SQLite-backed implementation of the remote persistence
// interface the chat store mediates durability through.
//
// Notes:
// - Writes are idempotent by natural key: thread inserts and message upserts
//   use ON CONFLICT(id), so at-least-once delivery from the retry wrapper
//   cannot corrupt state.
// - WAL is enabled to support concurrent reads while writing.
type Store struct {
	db *sql.DB
}

var _ chat.Remote = (*Store)(nil)

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ListThreads returns all threads, most recently updated first.
func (s *Store) ListThreads(ctx context.Context) ([]chat.ThreadRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, updated_at_unix_ms
FROM threads
ORDER BY updated_at_unix_ms DESC, id DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.ThreadRecord
	for rows.Next() {
		var id, title string
		var updatedMs int64
		if err := rows.Scan(&id, &title, &updatedMs); err != nil {
			return nil, err
		}
		out = append(out, chat.ThreadRecord{
			ID:        id,
			Title:     title,
			UpdatedAt: time.UnixMilli(updatedMs),
		})
	}
	return out, rows.Err()
}

// InsertThread creates a thread row. Redelivery of the same insert updates the
// row in place instead of failing.
func (s *Store) InsertThread(ctx context.Context, t chat.ThreadRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return errors.New("invalid thread")
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads(id, title, updated_at_unix_ms)
VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  title = excluded.title,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, t.ID, strings.TrimSpace(t.Title), t.UpdatedAt.UnixMilli())
	return err
}

func (s *Store) UpdateThreadTitle(ctx context.Context, id string, title string, updatedAt time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	title = strings.TrimSpace(title)
	if id == "" {
		return errors.New("invalid request")
	}
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE threads
SET title = ?, updated_at_unix_ms = ?
WHERE id = ?
`, title, updatedAt.UnixMilli(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteThreads removes the given threads and their messages. Ids without a
// row are skipped silently, so redelivered deletes succeed.
func (s *Store) DeleteThreads(ctx context.Context, ids []string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range clean {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMessages returns a thread's messages ordered by creation time ascending.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]chat.MessageRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("invalid request")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, thread_id, role, content, created_at_unix_ms
FROM messages
WHERE thread_id = ?
ORDER BY created_at_unix_ms ASC, id ASC
`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.MessageRecord
	for rows.Next() {
		var m chat.MessageRecord
		var createdMs int64
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &createdMs); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMessage writes a message keyed by its id, overwriting the content
// column wholesale, and bumps the owning thread's recency in the same
// transaction.
func (s *Store) UpsertMessage(ctx context.Context, m chat.MessageRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.ID = strings.TrimSpace(m.ID)
	m.ThreadID = strings.TrimSpace(m.ThreadID)
	m.Role = strings.TrimSpace(m.Role)
	if m.ID == "" || m.ThreadID == "" || m.Role == "" {
		return errors.New("invalid message")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, thread_id, role, content, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  role = excluded.role,
  content = excluded.content,
  created_at_unix_ms = excluded.created_at_unix_ms
`, m.ID, m.ThreadID, m.Role, m.Content, m.CreatedAt.UnixMilli()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE threads SET updated_at_unix_ms = ? WHERE id = ? AND updated_at_unix_ms < ?
`, m.CreatedAt.UnixMilli(), m.ThreadID, m.CreatedAt.UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at_unix_ms DESC, id DESC);

CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at_unix_ms ASC, id ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
