// Package store is the session backing store: one row per session with
// its lifecycle status, and the session's message history. It is the
// source of truth the orchestrator reconciles against after a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/harbor/internal/database"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Status is a session's persisted lifecycle status.
type Status string

// Persisted statuses.
const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// timeFormat is fixed width so that TEXT ordering is chronological.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Session is one persisted session row.
type Session struct {
	ID          string
	AgentID     string
	Model       string
	SessionType string
	UserID      string
	Status      Status
	SandboxID   string
	SandboxName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ToolCall is the persisted record of one tool invocation in a turn.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

// Message is one entry of a session's conversation.
type Message struct {
	ID          string
	SessionID   string
	Role        string
	Content     string
	Thinking    string
	ToolCalls   []ToolCall
	Completed   bool
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Completion is the final state of an assistant message.
type Completion struct {
	MessageID string
	SessionID string
	Content   string
	Thinking  string
	ToolCalls []ToolCall
}

// Store persists sessions and messages in SQLite. Safe for concurrent
// use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	model        TEXT NOT NULL DEFAULT '',
	session_type TEXT NOT NULL DEFAULT 'chat',
	user_id      TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	sandbox_id   TEXT NOT NULL DEFAULT '',
	sandbox_name TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	thinking        TEXT NOT NULL DEFAULT '',
	tool_calls_json TEXT NOT NULL DEFAULT '[]',
	completed       INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	completed_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
`

// Open opens the store at path with the named SQLite driver.
func Open(driver, path string) (*Store, error) {
	db, err := database.Open(driver, path, schema)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeFormat)
}

// EnsureSession creates the session row if absent and returns the row
// as stored. An existing row is returned unchanged, so redelivered
// start requests observe the session's real status.
func (s *Store) EnsureSession(ctx context.Context, sess Session) (*Session, error) {
	if sess.Status == "" {
		sess.Status = StatusStarting
	}
	if sess.SessionType == "" {
		sess.SessionType = "chat"
	}
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, model, session_type, user_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, sess.ID, sess.AgentID, sess.Model, sess.SessionType, sess.UserID, string(sess.Status), now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure session %s: %w", sess.ID, err)
	}
	return s.GetSession(ctx, sess.ID)
}

// GetSession returns one session or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, model, session_type, user_id, status, sandbox_id, sandbox_name, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// PatchSessionStatus sets the session's status. Setting the status it
// already has is a no-op, not an error.
func (s *Store) PatchSessionStatus(ctx context.Context, id string, status Status) error {
	return s.patch(ctx, id, "status", string(status))
}

// PatchSessionModel records the session's current model.
func (s *Store) PatchSessionModel(ctx context.Context, id, model string) error {
	return s.patch(ctx, id, "model", model)
}

// PatchSessionSandbox records the durable sandbox id and name.
func (s *Store) PatchSessionSandbox(ctx context.Context, id, sandboxID, sandboxName string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET sandbox_id = ?, sandbox_name = ?, updated_at = ? WHERE id = ?
	`, sandboxID, sandboxName, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("patch session %s sandbox: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *Store) patch(ctx context.Context, id, column, value string) error {
	// column is one of a fixed set of literals supplied by this package.
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		value, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("patch session %s %s: %w", id, column, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ActiveSessions returns every session still starting or running,
// oldest first.
func (s *Store) ActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, model, session_type, user_id, status, sandbox_id, sandbox_name, created_at, updated_at
		FROM sessions WHERE status IN (?, ?) ORDER BY created_at
	`, string(StatusStarting), string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// AppendMessage stores a message. Messages with an existing id are
// left untouched.
func (s *Store) AppendMessage(ctx context.Context, m Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	created := s.stamp()
	if !m.CreatedAt.IsZero() {
		created = m.CreatedAt.UTC().Format(timeFormat)
	}
	toolJSON, err := marshalToolCalls(m.ToolCalls)
	if err != nil {
		return err
	}
	var completedAt any
	if m.Completed {
		completedAt = created
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, thinking, tool_calls_json, completed, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, m.ID, m.SessionID, m.Role, m.Content, m.Thinking, toolJSON, boolInt(m.Completed), created, completedAt)
	if err != nil {
		return fmt.Errorf("append message %s: %w", m.ID, err)
	}
	return nil
}

// CompleteMessage writes the final content of an assistant message.
// It creates the row when no placeholder exists and never overwrites a
// message that is already complete, so a repeated completion is a
// no-op. The boolean reports whether this call did the write.
func (s *Store) CompleteMessage(ctx context.Context, c Completion) (bool, error) {
	toolJSON, err := marshalToolCalls(c.ToolCalls)
	if err != nil {
		return false, err
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, thinking, tool_calls_json, completed, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			thinking = excluded.thinking,
			tool_calls_json = excluded.tool_calls_json,
			completed = 1,
			completed_at = excluded.completed_at
		WHERE messages.completed = 0
	`, c.MessageID, c.SessionID, RoleAssistant, c.Content, c.Thinking, toolJSON, now, now)
	if err != nil {
		return false, fmt.Errorf("complete message %s: %w", c.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// History returns the completed messages of a session in order, limited
// to the most recent limit entries when limit is positive.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	query := `
		SELECT id, session_id, role, content, thinking, tool_calls_json, completed, created_at, completed_at
		FROM messages WHERE session_id = ? AND completed = 1
		ORDER BY created_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                 Message
			toolJSON, created string
			completed         int
			completedAt       sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Thinking, &toolJSON, &completed, &created, &completedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Completed = completed == 1
		m.CreatedAt, _ = time.Parse(timeFormat, created)
		if completedAt.Valid {
			m.CompletedAt, _ = time.Parse(timeFormat, completedAt.String)
		}
		if err := json.Unmarshal([]byte(toolJSON), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls for %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess             Session
		status           string
		created, updated string
	)
	if err := row.Scan(&sess.ID, &sess.AgentID, &sess.Model, &sess.SessionType, &sess.UserID,
		&status, &sess.SandboxID, &sess.SandboxName, &created, &updated); err != nil {
		return nil, err
	}
	sess.Status = Status(status)
	sess.CreatedAt, _ = time.Parse(timeFormat, created)
	sess.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return &sess, nil
}

func marshalToolCalls(calls []ToolCall) (string, error) {
	if len(calls) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return "", fmt.Errorf("marshal tool calls: %w", err)
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
