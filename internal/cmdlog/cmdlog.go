// Package cmdlog is a durable, append-only command log with consumer
// groups, stored in SQLite. Each group tracks how far it has read; each
// entry handed to a consumer stays pending until acknowledged, and a
// pending entry whose consumer has gone quiet for longer than a claim
// idle time is handed to the next consumer that asks. Delivery is
// therefore at-least-once, and handlers must be idempotent.
package cmdlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/harbor/internal/database"
)

// Entry is one delivered log entry.
type Entry struct {
	ID         int64
	Stream     string
	Payload    []byte
	Deliveries int
	CreatedAt  time.Time
}

// Pending describes an entry delivered but not yet acknowledged.
type Pending struct {
	ID         int64
	Consumer   string
	ClaimedAt  time.Time
	Deliveries int
}

// Log is the SQLite-backed command log. Safe for concurrent use by any
// number of consumers, in this process or others sharing the file.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	stream     TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_stream ON entries(stream, id);

CREATE TABLE IF NOT EXISTS groups (
	stream  TEXT NOT NULL,
	name    TEXT NOT NULL,
	last_id INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (stream, name)
);

CREATE TABLE IF NOT EXISTS pending (
	stream     TEXT NOT NULL,
	grp        TEXT NOT NULL,
	entry_id   INTEGER NOT NULL,
	consumer   TEXT NOT NULL,
	claimed_at INTEGER NOT NULL,
	deliveries INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (stream, grp, entry_id)
);

CREATE INDEX IF NOT EXISTS idx_pending_claimed ON pending(stream, grp, claimed_at);
`

// Open opens the log at path with the named SQLite driver.
func Open(driver, path string) (*Log, error) {
	db, err := database.Open(driver, path, schema)
	if err != nil {
		return nil, err
	}
	return &Log{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append adds an entry to stream and returns its id.
func (l *Log) Append(ctx context.Context, stream string, payload []byte) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO entries (stream, payload, created_at) VALUES (?, ?, ?)`,
		stream, payload, l.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", stream, err)
	}
	return res.LastInsertId()
}

// CreateGroup creates a consumer group on stream. A new group starts
// at the beginning of the stream when fromStart is set and at the
// current tail otherwise. Creating an existing group is a no-op.
func (l *Log) CreateGroup(ctx context.Context, stream, group string, fromStart bool) error {
	start := `0`
	if !fromStart {
		start = `(SELECT COALESCE(MAX(id), 0) FROM entries WHERE stream = ?1)`
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO groups (stream, name, last_id) VALUES (?1, ?2, `+start+`)
		 ON CONFLICT(stream, name) DO NOTHING`,
		stream, group)
	if err != nil {
		return fmt.Errorf("create group %s/%s: %w", stream, group, err)
	}
	return nil
}

// Claim hands up to count entries to consumer. Entries pending on
// another consumer for at least minIdle are reclaimed first, oldest
// first; the remainder is filled with entries the group has not yet
// read. The whole claim is one transaction, so two consumers never
// receive the same entry from one call each.
func (l *Log) Claim(ctx context.Context, stream, group, consumer string, count int, minIdle time.Duration) ([]Entry, error) {
	if count <= 0 {
		return nil, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	now := l.now()
	nowMs := now.UnixMilli()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO groups (stream, name, last_id) VALUES (?, ?, 0) ON CONFLICT(stream, name) DO NOTHING`,
		stream, group); err != nil {
		return nil, fmt.Errorf("ensure group: %w", err)
	}

	entries, err := reclaim(ctx, tx, stream, group, consumer, count, nowMs, now.Add(-minIdle).UnixMilli())
	if err != nil {
		return nil, err
	}

	if remaining := count - len(entries); remaining > 0 {
		fresh, err := readNew(ctx, tx, stream, group, consumer, remaining, nowMs)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fresh...)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return entries, nil
}

func reclaim(ctx context.Context, tx *sql.Tx, stream, group, consumer string, count int, nowMs, idleBefore int64) ([]Entry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT e.id, e.payload, e.created_at, p.deliveries
		FROM pending p JOIN entries e ON e.id = p.entry_id
		WHERE p.stream = ? AND p.grp = ? AND p.claimed_at <= ?
		ORDER BY p.entry_id
		LIMIT ?`, stream, group, idleBefore, count)
	if err != nil {
		return nil, fmt.Errorf("query stale pending: %w", err)
	}
	entries, err := scanEntries(rows, stream)
	if err != nil {
		return nil, err
	}

	for i := range entries {
		entries[i].Deliveries++
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending SET consumer = ?, claimed_at = ?, deliveries = deliveries + 1
			WHERE stream = ? AND grp = ? AND entry_id = ?`,
			consumer, nowMs, stream, group, entries[i].ID); err != nil {
			return nil, fmt.Errorf("reclaim entry %d: %w", entries[i].ID, err)
		}
	}
	return entries, nil
}

func readNew(ctx context.Context, tx *sql.Tx, stream, group, consumer string, count int, nowMs int64) ([]Entry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT e.id, e.payload, e.created_at, 0
		FROM entries e
		WHERE e.stream = ? AND e.id > (SELECT last_id FROM groups WHERE stream = ? AND name = ?)
		ORDER BY e.id
		LIMIT ?`, stream, stream, group, count)
	if err != nil {
		return nil, fmt.Errorf("query new entries: %w", err)
	}
	entries, err := scanEntries(rows, stream)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	for i := range entries {
		entries[i].Deliveries = 1
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending (stream, grp, entry_id, consumer, claimed_at, deliveries)
			VALUES (?, ?, ?, ?, ?, 1)`,
			stream, group, entries[i].ID, consumer, nowMs); err != nil {
			return nil, fmt.Errorf("mark entry %d pending: %w", entries[i].ID, err)
		}
	}
	last := entries[len(entries)-1].ID
	if _, err := tx.ExecContext(ctx,
		`UPDATE groups SET last_id = ? WHERE stream = ? AND name = ?`,
		last, stream, group); err != nil {
		return nil, fmt.Errorf("advance group: %w", err)
	}
	return entries, nil
}

func scanEntries(rows *sql.Rows, stream string) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Payload, &created, &e.Deliveries); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Stream = stream
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ack acknowledges entries for group, removing them from the pending
// set. Acknowledging an entry that is not pending is a no-op. Returns
// the number of entries acknowledged.
func (l *Log) Ack(ctx context.Context, stream, group string, ids ...int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{stream, group}
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM pending WHERE stream = ? AND grp = ? AND entry_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("ack %s/%s: %w", stream, group, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PendingEntries lists unacknowledged entries of group, oldest first.
func (l *Log) PendingEntries(ctx context.Context, stream, group string) ([]Pending, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT entry_id, consumer, claimed_at, deliveries
		FROM pending WHERE stream = ? AND grp = ? ORDER BY entry_id`, stream, group)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		var (
			p       Pending
			claimed int64
		)
		if err := rows.Scan(&p.ID, &p.Consumer, &claimed, &p.Deliveries); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		p.ClaimedAt = time.UnixMilli(claimed)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Trim deletes entries older than cutoff that every group has read and
// none still holds pending. Returns the number of entries removed.
func (l *Log) Trim(ctx context.Context, stream string, cutoff time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM entries
		WHERE stream = ?1 AND created_at < ?2
		  AND id <= (SELECT COALESCE(MIN(last_id), 0) FROM groups WHERE stream = ?1)
		  AND NOT EXISTS (SELECT 1 FROM pending p WHERE p.stream = ?1 AND p.entry_id = entries.id)`,
		stream, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("trim %s: %w", stream, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
