// Package usage keeps an append-only ledger of token usage per turn,
// priced from the configured model table, for aggregation by session,
// agent, user or model.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/harbor/internal/config"
	"github.com/nugget/harbor/internal/database"
)

// Record is the token usage of one completed turn.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	UserID       string    `json:"user_id,omitempty"`
	Model        string    `json:"model"`
	Outcome      string    `json:"outcome"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Summary holds aggregated totals.
type Summary struct {
	Turns        int     `json:"turns"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Filter narrows an aggregation. Zero fields match everything; Until
// is exclusive.
type Filter struct {
	SessionID string
	AgentID   string
	UserID    string
	Since     time.Time
	Until     time.Time
}

// Grouping is a column usage can be grouped by.
type Grouping string

// Valid groupings.
const (
	ByModel Grouping = "model"
	ByAgent Grouping = "agent_id"
	ByUser  Grouping = "user_id"
)

// ParseGrouping maps a query parameter onto a Grouping.
func ParseGrouping(s string) (Grouping, error) {
	switch s {
	case "", "model":
		return ByModel, nil
	case "agent":
		return ByAgent, nil
	case "user":
		return ByUser, nil
	default:
		return "", fmt.Errorf("unknown grouping %q (valid: model, agent, user)", s)
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	timestamp     INTEGER NOT NULL,
	request_id    TEXT NOT NULL DEFAULT '',
	session_id    TEXT NOT NULL,
	agent_id      TEXT NOT NULL DEFAULT '',
	user_id       TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	outcome       TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);
`

// Store is the usage ledger. Safe for concurrent use.
type Store struct {
	db      *sql.DB
	pricing map[string]config.PricingEntry
}

// Open opens the ledger at path. Records without a cost are priced
// from pricing; unlisted models are free.
func Open(driver, path string, pricing map[string]config.PricingEntry) (*Store, error) {
	db, err := database.Open(driver, path, schema)
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	return &Store{db: db, pricing: pricing}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends rec, filling in its id, timestamp and cost when unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, s.pricing)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, request_id, session_id, agent_id, user_id, model, outcome,
			 input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UnixMilli(),
		rec.RequestID,
		rec.SessionID,
		rec.AgentID,
		rec.UserID,
		rec.Model,
		rec.Outcome,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (f Filter) where() (string, []any) {
	clause := "WHERE 1=1"
	var args []any
	if f.SessionID != "" {
		clause += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.AgentID != "" {
		clause += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.UserID != "" {
		clause += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		clause += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		clause += " AND timestamp < ?"
		args = append(args, f.Until.UnixMilli())
	}
	return clause, args
}

// Summary returns totals over the records matching f.
func (s *Store) Summary(ctx context.Context, f Filter) (Summary, error) {
	where, args := f.where()
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records `+where, args...)

	var sum Summary
	if err := row.Scan(&sum.Turns, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
		return Summary{}, fmt.Errorf("query usage summary: %w", err)
	}
	return sum, nil
}

// SummaryBy returns totals over the records matching f, keyed by the
// grouping column.
func (s *Store) SummaryBy(ctx context.Context, g Grouping, f Filter) (map[string]Summary, error) {
	switch g {
	case ByModel, ByAgent, ByUser:
	default:
		return nil, fmt.Errorf("unknown grouping %q", g)
	}
	where, args := f.where()
	// g is one of the constants above, never caller text.
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records %s
		 GROUP BY %s`,
		g, where, g,
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", g, err)
	}
	defer rows.Close()

	result := make(map[string]Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Turns, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", g, err)
		}
		result[key] = sum
	}
	return result, rows.Err()
}

// ComputeCost prices a turn from the pricing table. Models not in the
// table are treated as free.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
