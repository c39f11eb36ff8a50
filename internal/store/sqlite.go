package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/loom/pkg/models"
)

// migrations are additive only. Events written by older versions must remain
// readable, so existing columns are never altered or dropped.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS threads (
		thread_id  TEXT PRIMARY KEY,
		parent_id  TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		is_shadow  INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		id        TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		type      TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		data      TEXT NOT NULL,
		UNIQUE (thread_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_thread ON events(thread_id, seq)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		project_id    TEXT NOT NULL DEFAULT '',
		name          TEXT NOT NULL,
		configuration TEXT NOT NULL DEFAULT '{}',
		status        TEXT NOT NULL DEFAULT 'active',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		path       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
}

// SQLite is the durable Store backed by a single sqlite database file.
// Appends are serialized by a mutex; reads run concurrently on the pooled
// connection.
type SQLite struct {
	db       *sql.DB
	appendMu sync.Mutex
	notify   *notifier
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Cause: err}
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &StorageError{Op: "pragma", Cause: err}
		}
	}
	s, err := NewSQLiteWithDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteWithDB wraps an existing database handle. Used by OpenSQLite and
// by tests that inject a mock.
func NewSQLiteWithDB(db *sql.DB, logger *slog.Logger) (*SQLite, error) {
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return nil, &StorageError{Op: "migrate", Cause: err}
		}
	}
	return &SQLite{db: db, notify: newNotifier(logger)}, nil
}

// Close releases subscriptions and the database handle.
func (s *SQLite) Close() error {
	s.notify.close()
	return s.db.Close()
}

// AppendEvent implements Store.
func (s *SQLite) AppendEvent(ctx context.Context, ev models.ThreadEvent) (models.ThreadEvent, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ThreadEvent{}, &StorageError{Op: "append begin", Cause: err}
	}
	defer tx.Rollback()

	var lastTS string
	err = tx.QueryRowContext(ctx,
		`SELECT timestamp FROM events WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`,
		ev.ThreadID).Scan(&lastTS)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first event in the thread
	case err != nil:
		return models.ThreadEvent{}, &StorageError{Op: "append read tail", Cause: err}
	default:
		last, parseErr := time.Parse(time.RFC3339Nano, lastTS)
		if parseErr == nil && ev.Timestamp.Before(last) {
			return models.ThreadEvent{}, &InvariantError{
				EventID: ev.ID,
				Reason:  "timestamp earlier than thread tail",
			}
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, thread_id, type, timestamp, data) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.ThreadID, string(ev.Type),
		ev.Timestamp.UTC().Format(time.RFC3339Nano), string(ev.Data))
	if err != nil {
		if isUniqueViolation(err) {
			return models.ThreadEvent{}, &InvariantError{EventID: ev.ID, Reason: "duplicate event id in thread"}
		}
		return models.ThreadEvent{}, &StorageError{Op: "append insert", Cause: err}
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return models.ThreadEvent{}, &StorageError{Op: "append seq", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return models.ThreadEvent{}, &StorageError{Op: "append commit", Cause: err}
	}

	ev.Seq = seq
	s.notify.publish(ev)
	return ev, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

// ListEvents implements Store.
func (s *SQLite) ListEvents(ctx context.Context, threadID string, sinceSeq int64) ([]models.ThreadEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, thread_id, type, timestamp, data
		   FROM events WHERE thread_id = ? AND seq > ? ORDER BY seq ASC`,
		threadID, sinceSeq)
	if err != nil {
		return nil, &StorageError{Op: "list events", Cause: err}
	}
	defer rows.Close()

	var out []models.ThreadEvent
	for rows.Next() {
		var (
			ev   models.ThreadEvent
			typ  string
			ts   string
			data string
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.ThreadID, &typ, &ts, &data); err != nil {
			return nil, &StorageError{Op: "scan event", Cause: err}
		}
		ev.Type = models.EventType(typ)
		ev.Data = json.RawMessage(data)
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, &StorageError{Op: "parse event timestamp", Cause: err}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list events", Cause: err}
	}
	return out, nil
}

// Subscribe implements Store.
func (s *SQLite) Subscribe(threadID string, h Handler) (cancel func()) {
	return s.notify.subscribe(threadID, h)
}

// CreateThread implements Store.
func (s *SQLite) CreateThread(ctx context.Context, th models.Thread) error {
	meta, err := json.Marshal(th.Metadata)
	if err != nil {
		return &StorageError{Op: "marshal thread metadata", Cause: err}
	}
	if th.CreatedAt.IsZero() {
		th.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, parent_id, created_at, metadata, is_shadow) VALUES (?, ?, ?, ?, ?)`,
		th.ThreadID, th.ParentID, th.CreatedAt.UTC().Format(time.RFC3339Nano), string(meta), boolInt(th.IsShadow))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("thread %s: %w", th.ThreadID, ErrAlreadyExists)
		}
		return &StorageError{Op: "create thread", Cause: err}
	}
	return nil
}

// GetThread implements Store.
func (s *SQLite) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, parent_id, created_at, metadata, is_shadow FROM threads WHERE thread_id = ?`, id)
	th, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return th, err
}

// ListThreads implements Store.
func (s *SQLite) ListThreads(ctx context.Context, rootID string) ([]models.Thread, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if rootID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT thread_id, parent_id, created_at, metadata, is_shadow FROM threads ORDER BY thread_id`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT thread_id, parent_id, created_at, metadata, is_shadow
			   FROM threads WHERE thread_id = ? OR thread_id LIKE ? ORDER BY thread_id`,
			rootID, rootID+".%")
	}
	if err != nil {
		return nil, &StorageError{Op: "list threads", Cause: err}
	}
	defer rows.Close()

	var out []models.Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *th)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list threads", Cause: err}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*models.Thread, error) {
	var (
		th       models.Thread
		created  string
		meta     string
		isShadow int
	)
	if err := row.Scan(&th.ThreadID, &th.ParentID, &created, &meta, &isShadow); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, &StorageError{Op: "scan thread", Cause: err}
	}
	var err error
	if th.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, &StorageError{Op: "parse thread created_at", Cause: err}
	}
	if err := json.Unmarshal([]byte(meta), &th.Metadata); err != nil {
		return nil, &StorageError{Op: "unmarshal thread metadata", Cause: err}
	}
	th.IsShadow = isShadow != 0
	return &th, nil
}

// CreateSession implements Store.
func (s *SQLite) CreateSession(ctx context.Context, sess models.Session) error {
	cfg, err := json.Marshal(sess.Configuration)
	if err != nil {
		return &StorageError{Op: "marshal session configuration", Cause: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_id, name, configuration, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.Name, string(cfg), string(sess.Status),
		sess.CreatedAt.UTC().Format(time.RFC3339Nano), sess.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", sess.ID, ErrAlreadyExists)
		}
		return &StorageError{Op: "create session", Cause: err}
	}
	return nil
}

// GetSession implements Store.
func (s *SQLite) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, configuration, status, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

// UpdateSession implements Store.
func (s *SQLite) UpdateSession(ctx context.Context, sess models.Session) error {
	cfg, err := json.Marshal(sess.Configuration)
	if err != nil {
		return &StorageError{Op: "marshal session configuration", Cause: err}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET project_id = ?, name = ?, configuration = ?, status = ?, updated_at = ? WHERE id = ?`,
		sess.ProjectID, sess.Name, string(cfg), string(sess.Status),
		time.Now().UTC().Format(time.RFC3339Nano), sess.ID)
	if err != nil {
		return &StorageError{Op: "update session", Cause: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	return nil
}

// ListSessions implements Store.
func (s *SQLite) ListSessions(ctx context.Context, projectID string) ([]models.Session, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if projectID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, project_id, name, configuration, status, created_at, updated_at
			   FROM sessions ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, project_id, name, configuration, status, created_at, updated_at
			   FROM sessions WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	}
	if err != nil {
		return nil, &StorageError{Op: "list sessions", Cause: err}
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list sessions", Cause: err}
	}
	return out, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess    models.Session
		cfg     string
		status  string
		created string
		updated string
	)
	if err := row.Scan(&sess.ID, &sess.ProjectID, &sess.Name, &cfg, &status, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, &StorageError{Op: "scan session", Cause: err}
	}
	if err := json.Unmarshal([]byte(cfg), &sess.Configuration); err != nil {
		return nil, &StorageError{Op: "unmarshal session configuration", Cause: err}
	}
	sess.Status = models.SessionStatus(status)
	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, &StorageError{Op: "parse session created_at", Cause: err}
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, &StorageError{Op: "parse session updated_at", Cause: err}
	}
	return &sess, nil
}

// CreateProject implements Store.
func (s *SQLite) CreateProject(ctx context.Context, p models.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("project %s: %w", p.ID, ErrAlreadyExists)
		}
		return &StorageError{Op: "create project", Cause: err}
	}
	return nil
}

// GetProject implements Store.
func (s *SQLite) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var (
		p       models.Project
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Path, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "get project", Cause: err}
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, &StorageError{Op: "parse project created_at", Cause: err}
	}
	return &p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
