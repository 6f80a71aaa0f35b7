package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	model         TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens  INTEGER NOT NULL DEFAULT 0,
	total_cost    REAL NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	tool_calls   TEXT,
	tool_results TEXT,
	created_at   TIMESTAMP NOT NULL,
	UNIQUE (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);

CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	transport  TEXT NOT NULL,
	blob       BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, transport)
);
`

// SQLiteStore is the Store backed by a single local database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the session database at path.
// ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, core.Wrap(core.KindPersistence, "create database directory", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, core.Wrap(core.KindPersistence, "open database", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// session turns; reads still interleave via WAL.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, core.Wrap(core.KindPersistence, "apply schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreFromDB wraps an existing handle; used by tests.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, model, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.Model, session.Title, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return core.Errorf(core.KindSessionConflict, "session %q already exists", session.ID)
		}
		return core.Wrap(core.KindPersistence, "create session", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, model, title, input_tokens, output_tokens, cached_tokens,
		       total_tokens, total_cost, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, title, input_tokens, output_tokens, cached_tokens,
		       total_tokens, total_cost, created_at, updated_at
		FROM sessions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, core.Wrap(core.KindPersistence, "list sessions", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(core.KindPersistence, "list sessions", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.Model, &sess.Title,
		&sess.Usage.InputTokens, &sess.Usage.OutputTokens, &sess.Usage.CachedTokens,
		&sess.Usage.TotalTokens, &sess.Usage.CostUSD,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.KindSessionNotFound, "session not found")
	}
	if err != nil {
		return nil, core.Wrap(core.KindPersistence, "scan session", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Wrap(core.KindPersistence, "begin delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return core.Wrap(core.KindPersistence, "delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.KindSessionNotFound, "session %q not found", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, id); err != nil {
		return core.Wrap(core.KindPersistence, "delete turns", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, id); err != nil {
		return core.Wrap(core.KindPersistence, "delete checkpoints", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Wrap(core.KindPersistence, "commit delete", err)
	}
	return nil
}

func (s *SQLiteStore) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return core.Wrap(core.KindPersistence, "touch session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.KindSessionNotFound, "session %q not found", id)
	}
	return nil
}

func (s *SQLiteStore) AppendTurns(ctx context.Context, sessionID string, turns []*models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return s.CommitTurn(ctx, sessionID, turns, models.Usage{})
}

func (s *SQLiteStore) CommitTurn(ctx context.Context, sessionID string, turns []*models.Turn, delta models.Usage) error {
	if len(turns) == 0 && delta == (models.Usage{}) {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Wrap(core.KindPersistence, "begin append", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return core.Wrap(core.KindPersistence, "check session", err)
	}
	if exists == 0 {
		return core.Errorf(core.KindSessionNotFound, "session %q not found", sessionID)
	}

	now := time.Now().UTC()
	if len(turns) > 0 {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
			return core.Wrap(core.KindPersistence, "read sequence", err)
		}

		for _, turn := range turns {
			seq++
			turn.SessionID = sessionID
			turn.Seq = seq
			if turn.CreatedAt.IsZero() {
				turn.CreatedAt = now
			}
			calls, err := marshalJSON(turn.ToolCalls)
			if err != nil {
				return core.Wrap(core.KindPersistence, "encode tool calls", err)
			}
			results, err := marshalJSON(turn.ToolResults)
			if err != nil {
				return core.Wrap(core.KindPersistence, "encode tool results", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO turns (id, session_id, seq, role, content, tool_calls, tool_results, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				turn.ID, sessionID, seq, string(turn.Role), turn.Content, calls, results, turn.CreatedAt); err != nil {
				return core.Wrap(core.KindPersistence, "insert turn", err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			input_tokens  = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cached_tokens = cached_tokens + ?,
			total_tokens  = total_tokens + ?,
			total_cost    = total_cost + ?,
			updated_at    = ?
		WHERE id = ?`,
		delta.InputTokens, delta.OutputTokens, delta.CachedTokens,
		delta.InputTokens+delta.OutputTokens+delta.CachedTokens,
		delta.CostUSD, now, sessionID); err != nil {
		return core.Wrap(core.KindPersistence, "bump session", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Wrap(core.KindPersistence, "commit append", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Turn, error) {
	query := `
		SELECT id, session_id, seq, role, content, tool_calls, tool_results, created_at
		FROM turns WHERE session_id = ? ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		// Keep the most recent turns while preserving chronological order.
		query = `
			SELECT id, session_id, seq, role, content, tool_calls, tool_results, created_at
			FROM (
				SELECT id, session_id, seq, role, content, tool_calls, tool_results, created_at
				FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.Wrap(core.KindPersistence, "load history", err)
	}
	defer rows.Close()

	var out []*models.Turn
	for rows.Next() {
		var (
			turn          models.Turn
			role          string
			calls, result sql.NullString
		)
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Seq, &role,
			&turn.Content, &calls, &result, &turn.CreatedAt); err != nil {
			return nil, core.Wrap(core.KindPersistence, "scan turn", err)
		}
		turn.Role = models.Role(role)
		if calls.Valid {
			if err := json.Unmarshal([]byte(calls.String), &turn.ToolCalls); err != nil {
				return nil, core.Wrap(core.KindPersistence, "decode tool calls", err)
			}
		}
		if result.Valid {
			if err := json.Unmarshal([]byte(result.String), &turn.ToolResults); err != nil {
				return nil, core.Wrap(core.KindPersistence, "decode tool results", err)
			}
		}
		out = append(out, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(core.KindPersistence, "load history", err)
	}
	return out, nil
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, sessionID string, delta models.Usage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			input_tokens  = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cached_tokens = cached_tokens + ?,
			total_tokens  = total_tokens + ?,
			total_cost    = total_cost + ?,
			updated_at    = ?
		WHERE id = ?`,
		delta.InputTokens, delta.OutputTokens, delta.CachedTokens,
		delta.InputTokens+delta.OutputTokens+delta.CachedTokens,
		delta.CostUSD, time.Now().UTC(), sessionID)
	if err != nil {
		return core.Wrap(core.KindPersistence, "record usage", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.KindSessionNotFound, "session %q not found", sessionID)
	}
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, sessionID string, transport models.TransportTag, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, transport, blob, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, transport) DO UPDATE SET
			blob = excluded.blob,
			updated_at = excluded.updated_at`,
		sessionID, string(transport), blob, time.Now().UTC())
	if err != nil {
		return core.Wrap(core.KindPersistence, "save checkpoint", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, sessionID string, transport models.TransportTag) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM checkpoints WHERE session_id = ? AND transport = ?`,
		sessionID, string(transport)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.Wrap(core.KindPersistence, "load checkpoint", err)
	}
	return blob, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	switch typed := v.(type) {
	case []models.ToolCall:
		if len(typed) == 0 {
			return sql.NullString{}, nil
		}
	case []models.ToolResult:
		if len(typed) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
