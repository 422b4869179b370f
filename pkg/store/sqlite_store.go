package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/palaver/pkg/conversation"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    created_at_ns INTEGER NOT NULL,
    updated_at_ns INTEGER NOT NULL,
    metadata_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content TEXT NOT NULL,
    timestamp_ns INTEGER NOT NULL,
    metadata_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at_ns DESC);
`

const sessionColumns = `s.id, s.title, s.created_at_ns, s.updated_at_ns, s.metadata_json`

// SQLiteStore persists sessions and messages in a SQLite database.
//
// Every mutation runs in a single transaction scoped to one session.
type SQLiteStore struct {
	mu     sync.RWMutex
	dsn    string
	db     *sql.DB
	now    func() time.Time
	closed bool
}

type Option func(*SQLiteStore)

// WithClock replaces the time source used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

func NewSQLiteStore(dsn string, options ...Option) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	if strings.Contains(dsn, ":memory:") {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		dsn: dsn,
		db:  db,
		now: time.Now,
	}
	for _, o := range options {
		o(s)
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug().Str("dsn", dsn).Msg("opened session store")
	return s, nil
}

// OpenFile opens (and creates if needed) the store at path.
func OpenFile(path string, options ...Option) (*SQLiteStore, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	dsn, err := SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStore(dsn, options...)
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	if path == ":memory:" {
		return "file::memory:?_foreign_keys=on", nil
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func ensureParentDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return errors.Wrap(os.MkdirAll(dir, 0o755), "sqlite store: create directory")
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return errors.Wrap(err, "sqlite store: enable foreign keys")
	}
	if _, err := s.db.Exec(sqliteSchemaV1); err != nil {
		return errors.Wrap(err, "sqlite store: migrate")
	}
	return nil
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed || s.db == nil {
		return ErrStoreClosed
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func sessionUpdatedAt(ctx context.Context, q queryer, id int64) (int64, bool, error) {
	var updatedAt int64
	err := q.QueryRowContext(ctx, `SELECT updated_at_ns FROM sessions WHERE id = ?`, id).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "lookup session")
	}
	return updatedAt, true, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, title string, metadata map[string]interface{}) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	now := s.now()
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle(now)
	}
	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (title, created_at_ns, updated_at_ns, metadata_json) VALUES (?, ?, ?, ?)`,
		title, now.UnixNano(), now.UnixNano(), metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert session")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "insert session")
	}

	log.Debug().Int64("session_id", id).Str("title", title).Msg("created session")
	return &Session{
		ID:        id,
		Title:     title,
		CreatedAt: time.Unix(0, now.UnixNano()),
		UpdatedAt: time.Unix(0, now.UnixNano()),
		Metadata:  metadata,
	}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (*Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, false, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int, offset int) ([]*SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`,
    (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
FROM sessions s
ORDER BY s.updated_at_ns DESC, s.id DESC
LIMIT ? OFFSET ?`,
		sqlLimit(limit), max(offset, 0),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	return scanSummaries(rows)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, id int64, update SessionUpdate) (bool, error) {
	if update.IsEmpty() {
		return false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return false, err
	}

	sets := []string{}
	args := []interface{}{}
	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *update.Title)
	}
	if update.Metadata != nil {
		metadataJSON, err := marshalMetadata(update.Metadata)
		if err != nil {
			return false, err
		}
		sets = append(sets, "metadata_json = ?")
		args = append(args, metadataJSON)
	}
	args = append(args, id)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return errors.Wrap(err, "update session")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "update session")
		}
		if n == 0 {
			return sessionNotFound(id)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// TouchSession moves updated_at to now, never backwards.
func (s *SQLiteStore) TouchSession(ctx context.Context, id int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		updatedAt, ok, err := sessionUpdatedAt(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return sessionNotFound(id)
		}
		ts := max(s.now().UnixNano(), updatedAt)
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at_ns = ? WHERE id = ?`, ts, id)
		return errors.Wrap(err, "touch session")
	})
}

// DeleteSession removes the session and all its messages in one transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return false, err
	}

	deleted := false
	var messages int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "delete messages")
		}
		messages, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "delete session")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "delete session")
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	if deleted {
		log.Debug().Int64("session_id", id).Int64("messages", messages).Msg("deleted session")
	}
	return deleted, nil
}

// SearchSessions matches query as a substring of the title or of any message
// content. Matching is case-insensitive for ASCII.
func (s *SQLiteStore) SearchSessions(ctx context.Context, query string, limit int) ([]*SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+`,
    (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
FROM sessions s
WHERE s.title LIKE ? ESCAPE '\'
   OR EXISTS (
       SELECT 1 FROM messages m
       WHERE m.session_id = s.id AND m.content LIKE ? ESCAPE '\'
   )
ORDER BY s.updated_at_ns DESC, s.id DESC
LIMIT ?`,
		pattern, pattern, sqlLimit(limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "search sessions")
	}
	return scanSummaries(rows)
}

// AddMessage appends a message and moves the session's updated_at to the
// message timestamp in the same transaction. The timestamp is clamped so it
// never precedes the session's current updated_at.
func (s *SQLiteStore) AddMessage(
	ctx context.Context,
	sessionID int64,
	role conversation.Role,
	content string,
	metadata map[string]interface{},
) (*Message, error) {
	if !role.Valid() {
		return nil, errors.Wrapf(ErrInvalidRole, "role %q", role)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	var ret *Message
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		updatedAt, ok, err := sessionUpdatedAt(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return sessionNotFound(sessionID)
		}

		ts := max(s.now().UnixNano(), updatedAt)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, timestamp_ns, metadata_json) VALUES (?, ?, ?, ?, ?)`,
			sessionID, string(role), content, ts, metadataJSON,
		)
		if err != nil {
			return errors.Wrap(err, "insert message")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "insert message")
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at_ns = ? WHERE id = ?`, ts, sessionID); err != nil {
			return errors.Wrap(err, "update session timestamp")
		}

		ret = &Message{
			ID:        id,
			SessionID: sessionID,
			Role:      role,
			Content:   content,
			Timestamp: time.Unix(0, ts),
			Metadata:  metadata,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Trace().Int64("session_id", sessionID).Int64("message_id", ret.ID).Str("role", string(role)).Msg("added message")
	return ret, nil
}

// ImportSession inserts a session together with its messages in one
// transaction, keeping the recorded timestamps. Message timestamps are made
// non-decreasing and updated_at is set to the last one.
func (s *SQLiteStore) ImportSession(ctx context.Context, session Session, messages []*Message) (*Session, error) {
	for _, m := range messages {
		if !m.Role.Valid() {
			return nil, errors.Wrapf(ErrInvalidRole, "role %q", m.Role)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	title := session.Title
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle(createdAt)
	}
	metadataJSON, err := marshalMetadata(session.Metadata)
	if err != nil {
		return nil, err
	}

	ret := &Session{
		Title:     title,
		CreatedAt: time.Unix(0, createdAt.UnixNano()),
		Metadata:  session.Metadata,
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (title, created_at_ns, updated_at_ns, metadata_json) VALUES (?, ?, ?, ?)`,
			title, createdAt.UnixNano(), createdAt.UnixNano(), metadataJSON,
		)
		if err != nil {
			return errors.Wrap(err, "insert session")
		}
		if ret.ID, err = res.LastInsertId(); err != nil {
			return errors.Wrap(err, "insert session")
		}

		ts := createdAt.UnixNano()
		for _, m := range messages {
			if !m.Timestamp.IsZero() {
				ts = max(ts, m.Timestamp.UnixNano())
			}
			mj, err := marshalMetadata(m.Metadata)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (session_id, role, content, timestamp_ns, metadata_json) VALUES (?, ?, ?, ?, ?)`,
				ret.ID, string(m.Role), m.Content, ts, mj,
			); err != nil {
				return errors.Wrap(err, "insert message")
			}
		}

		ret.UpdatedAt = time.Unix(0, ts)
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at_ns = ? WHERE id = ?`, ts, ret.ID)
		return errors.Wrap(err, "update session timestamp")
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Int64("session_id", ret.ID).Int("messages", len(messages)).Msg("imported session")
	return ret, nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID int64, page Page) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, timestamp_ns, metadata_json
FROM messages
WHERE session_id = ?
ORDER BY timestamp_ns ASC, id ASC
LIMIT ? OFFSET ?`,
		sessionID, sqlLimit(page.Limit), max(page.Offset, 0),
	)
	if err != nil {
		return nil, errors.Wrap(err, "get messages")
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []*Message{}
	for rows.Next() {
		var (
			m            Message
			role         string
			ts           int64
			metadataJSON string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &ts, &metadataJSON); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.Role = conversation.Role(role)
		m.Timestamp = time.Unix(0, ts)
		if m.Metadata, err = unmarshalMetadata(metadataJSON); err != nil {
			return nil, err
		}
		ret = append(ret, &m)
	}
	return ret, errors.Wrap(rows.Err(), "get messages")
}

func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, errors.Wrap(err, "count messages")
}

// DeleteMessage removes a single message. A missing id is ErrMessageNotFound.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return false, errors.Wrap(err, "delete message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "delete message")
	}
	if n == 0 {
		return false, messageNotFound(id)
	}
	return true, nil
}

// ClearMessages removes every message of a session but keeps the session.
func (s *SQLiteStore) ClearMessages(ctx context.Context, sessionID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}

	var cleared int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, ok, err := sessionUpdatedAt(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return sessionNotFound(sessionID)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
		if err != nil {
			return errors.Wrap(err, "clear messages")
		}
		cleared, err = res.RowsAffected()
		return errors.Wrap(err, "clear messages")
	})
	return int(cleared), err
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	ret := &Stats{DSN: s.dsn}
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM sessions), (SELECT COUNT(*) FROM messages)`,
	).Scan(&ret.Sessions, &ret.Messages)
	if err != nil {
		return nil, errors.Wrap(err, "stats")
	}
	return ret, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner, extra ...interface{}) (*Session, error) {
	var (
		session      Session
		createdAt    int64
		updatedAt    int64
		metadataJSON string
	)
	dest := append([]interface{}{&session.ID, &session.Title, &createdAt, &updatedAt, &metadataJSON}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan session")
	}
	session.CreatedAt = time.Unix(0, createdAt)
	session.UpdatedAt = time.Unix(0, updatedAt)
	metadata, err := unmarshalMetadata(metadataJSON)
	if err != nil {
		return nil, err
	}
	session.Metadata = metadata
	return &session, nil
}

func scanSummaries(rows *sql.Rows) ([]*SessionSummary, error) {
	defer func() {
		_ = rows.Close()
	}()

	ret := []*SessionSummary{}
	for rows.Next() {
		var count int
		session, err := scanSession(rows, &count)
		if err != nil {
			return nil, err
		}
		ret = append(ret, &SessionSummary{Session: *session, MessageCount: count})
	}
	return ret, errors.Wrap(rows.Err(), "scan sessions")
}

func marshalMetadata(metadata map[string]interface{}) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", errors.Wrap(err, "marshal metadata")
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]interface{}, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	ret := map[string]interface{}{}
	if err := json.Unmarshal([]byte(s), &ret); err != nil {
		return nil, errors.Wrap(err, "unmarshal metadata")
	}
	return ret, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

var _ Store = (*SQLiteStore)(nil)
