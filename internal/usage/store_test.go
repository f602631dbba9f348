package usage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/harbor/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite3", filepath.Join(t.TempDir(), "usage.db"), map[string]config.PricingEntry{
		"large": {InputPerMillion: 15.0, OutputPerMillion: 75.0},
		"small": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRecordAndSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []Record{
		{Timestamp: base, RequestID: "r1", SessionID: "s1", AgentID: "coder", UserID: "u1", Model: "large", Outcome: "success", InputTokens: 1000, OutputTokens: 500},
		{Timestamp: base.Add(time.Minute), RequestID: "r2", SessionID: "s1", AgentID: "coder", UserID: "u1", Model: "small", Outcome: "success", InputTokens: 2000, OutputTokens: 1000},
		{Timestamp: base.Add(time.Hour), RequestID: "r3", SessionID: "s2", AgentID: "reviewer", UserID: "u2", Model: "local", Outcome: "failure", InputTokens: 300, OutputTokens: 20},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record(%s) error: %v", r.RequestID, err)
		}
	}

	all, err := s.Summary(ctx, Filter{})
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if all.Turns != 3 || all.InputTokens != 3300 || all.OutputTokens != 1520 {
		t.Errorf("Summary() = %+v", all)
	}
	// 1000/1M*15 + 500/1M*75 + 2000/1M*3 + 1000/1M*15; local is free.
	if want := 0.0525 + 0.021; !near(all.CostUSD, want) {
		t.Errorf("cost = %v, want %v", all.CostUSD, want)
	}

	s1, err := s.Summary(ctx, Filter{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if s1.Turns != 2 {
		t.Errorf("session s1 turns = %d, want 2", s1.Turns)
	}

	early, err := s.Summary(ctx, Filter{Since: base, Until: base.Add(30 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if early.Turns != 2 {
		t.Errorf("first half hour turns = %d, want 2", early.Turns)
	}
}

func TestSummaryBy(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i, agent := range []string{"coder", "coder", "reviewer"} {
		if err := s.Record(ctx, Record{SessionID: "s", AgentID: agent, Model: "small", InputTokens: 100 * (i + 1)}); err != nil {
			t.Fatal(err)
		}
	}

	byAgent, err := s.SummaryBy(ctx, ByAgent, Filter{})
	if err != nil {
		t.Fatalf("SummaryBy() error: %v", err)
	}
	if byAgent["coder"].Turns != 2 || byAgent["coder"].InputTokens != 300 {
		t.Errorf("coder = %+v", byAgent["coder"])
	}
	if byAgent["reviewer"].InputTokens != 300 {
		t.Errorf("reviewer = %+v", byAgent["reviewer"])
	}

	if _, err := s.SummaryBy(ctx, Grouping("id; DROP TABLE usage_records"), Filter{}); err == nil {
		t.Error("SummaryBy() accepted an unknown grouping")
	}
}

func TestRecord_KeepsExplicitCost(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.Record(ctx, Record{SessionID: "s", Model: "large", InputTokens: 1_000_000, CostUSD: 1.25}); err != nil {
		t.Fatal(err)
	}
	sum, err := s.Summary(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if !near(sum.CostUSD, 1.25) {
		t.Errorf("cost = %v, want the recorded 1.25", sum.CostUSD)
	}
}

func TestParseGrouping(t *testing.T) {
	tests := []struct {
		in      string
		want    Grouping
		wantErr bool
	}{
		{"", ByModel, false},
		{"model", ByModel, false},
		{"agent", ByAgent, false},
		{"user", ByUser, false},
		{"session", "", true},
	}
	for _, tt := range tests {
		got, err := ParseGrouping(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseGrouping(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestComputeCost(t *testing.T) {
	pricing := map[string]config.PricingEntry{"m": {InputPerMillion: 2, OutputPerMillion: 8}}
	if got := ComputeCost("m", 500_000, 250_000, pricing); !near(got, 3.0) {
		t.Errorf("ComputeCost() = %v, want 3", got)
	}
	if got := ComputeCost("unknown", 1000, 1000, pricing); got != 0 {
		t.Errorf("unknown model cost = %v, want 0", got)
	}
}
