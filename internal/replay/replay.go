// Package replay is the per-session log of structural events that lets
// a reconnecting observer catch up from a cursor. The log is capped per
// session and entries expire after a fixed TTL. Sequence numbers are
// assigned at append time, strictly increase per session, and are never
// reused, even after the entries carrying them are trimmed or expire.
package replay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nugget/harbor/internal/codec"
	"github.com/nugget/harbor/internal/database"
	"github.com/nugget/harbor/internal/events"
)

// Log is the SQLite-backed replay log. Payloads are stored as CBOR.
type Log struct {
	db         *sql.DB
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS heads (
	session_id TEXT PRIMARY KEY,
	last_seq   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	type       TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`

// Open opens the replay log at path. maxEntries caps the entries kept
// per session; ttl bounds how long any entry is kept.
func Open(driver, path string, maxEntries int, ttl time.Duration) (*Log, error) {
	db, err := database.Open(driver, path, schema)
	if err != nil {
		return nil, err
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Log{db: db, maxEntries: maxEntries, ttl: ttl, now: time.Now}, nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append stores env under the session's next sequence number, trims
// the session to the cap, and returns the sequence number.
func (l *Log) Append(ctx context.Context, sessionID string, env events.Envelope) (int64, error) {
	payload, err := codec.FromJSON(env.Data)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", env.Type, err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin replay append: %w", err)
	}
	defer tx.Rollback()

	nowMs := l.now().UnixMilli()
	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO heads (session_id, last_seq, updated_at) VALUES (?, 1, ?)
		ON CONFLICT(session_id) DO UPDATE SET last_seq = last_seq + 1, updated_at = excluded.updated_at
		RETURNING last_seq`, sessionID, nowMs).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("advance seq for %s: %w", sessionID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (session_id, seq, type, ts, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, seq, string(env.Type), env.Timestamp.UnixNano(), payload, nowMs); err != nil {
		return 0, fmt.Errorf("insert replay entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE session_id = ? AND seq <= ?`,
		sessionID, seq-int64(l.maxEntries)); err != nil {
		return 0, fmt.Errorf("trim replay log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit replay append: %w", err)
	}
	return seq, nil
}

// Since returns the session's unexpired entries with seq greater than
// cursor, in sequence order, each with Seq set.
func (l *Log) Since(ctx context.Context, sessionID string, cursor int64) ([]events.Envelope, error) {
	cutoff := l.now().Add(-l.ttl).UnixMilli()
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, type, ts, payload FROM events
		WHERE session_id = ? AND seq > ? AND created_at >= ?
		ORDER BY seq`, sessionID, cursor, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query replay for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []events.Envelope
	for rows.Next() {
		var (
			env     events.Envelope
			typ     string
			ts      int64
			payload []byte
		)
		if err := rows.Scan(&env.Seq, &typ, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan replay entry: %w", err)
		}
		env.Type = events.Type(typ)
		env.Timestamp = time.Unix(0, ts).UTC()
		if env.Data, err = codec.ToJSON(payload); err != nil {
			return nil, fmt.Errorf("decode replay entry %d: %w", env.Seq, err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// Head returns the last sequence number assigned for the session, or 0.
func (l *Log) Head(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := l.db.QueryRowContext(ctx,
		`SELECT last_seq FROM heads WHERE session_id = ?`, sessionID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query head for %s: %w", sessionID, err)
	}
	return seq, nil
}

// Expire deletes entries older than the TTL and returns how many were
// removed. Heads are kept longer so sequence numbers are not reused by
// a session that resumes after a quiet period.
func (l *Log) Expire(ctx context.Context) (int, error) {
	now := l.now()
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < ?`, now.Add(-l.ttl).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire replay entries: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM heads WHERE updated_at < ?`, now.Add(-7*24*time.Hour).UnixMilli()); err != nil {
		return int(n), fmt.Errorf("expire replay heads: %w", err)
	}
	return int(n), nil
}

// Run calls Expire on every tick of interval until ctx is done.
func (l *Log) Run(ctx context.Context, interval time.Duration, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Expire(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
