package agent

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nugget/harbor/internal/llm"
	"github.com/nugget/harbor/internal/prompts"
)

type fakeSummarizer struct {
	summary string
	err     error
	calls   atomic.Int32
	// started and release, when set, make Summarize block.
	started chan struct{}
	release chan struct{}
}

func (f *fakeSummarizer) Summarize(ctx context.Context, _ string) (string, error) {
	f.calls.Add(1)
	if f.started != nil {
		close(f.started)
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.summary, f.err
}

// chatHistory returns n alternating user and assistant messages of
// size characters each.
func chatHistory(n, size int) []llm.Message {
	msgs := make([]llm.Message, n)
	for i := range msgs {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs[i] = llm.Message{Role: role, Content: strings.Repeat("x", size)}
	}
	return msgs
}

func TestCompact_ShrinksAndKeepsTail(t *testing.T) {
	sum := &fakeSummarizer{summary: "they discussed x"}
	e := New(Config{SessionID: "s1", Model: "m", KeepRecent: 4}, staticResolver(&mockLLM{}, 0), nil, sum, nil)
	e.Seed(chatHistory(20, 200))

	res, err := e.Compact(context.Background())
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !res.Success || res.TokensAfter >= res.TokensBefore || res.TailMessageCount != 4 {
		t.Errorf("result = %+v", res)
	}
	hist := e.History()
	if len(hist) != res.TailMessageCount+1 {
		t.Fatalf("history length = %d, want %d", len(hist), res.TailMessageCount+1)
	}
	if !prompts.IsSummaryMessage(hist[0].Content) || !strings.Contains(hist[0].Content, "they discussed x") {
		t.Errorf("first message = %q", hist[0].Content)
	}
	if e.Window().Used != res.TokensAfter {
		t.Errorf("window used = %d, want %d", e.Window().Used, res.TokensAfter)
	}
}

func TestCompact_Exclusive(t *testing.T) {
	sum := &fakeSummarizer{
		summary: "s",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := New(Config{SessionID: "s1", Model: "m", KeepRecent: 2}, staticResolver(&mockLLM{}, 0), nil, sum, nil)
	e.Seed(chatHistory(10, 100))

	errc := make(chan error, 1)
	go func() {
		_, err := e.Compact(context.Background())
		errc <- err
	}()

	select {
	case <-sum.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first compaction never started")
	}
	if _, err := e.Compact(context.Background()); !errors.Is(err, ErrCompactionInProgress) {
		t.Errorf("concurrent Compact error = %v, want ErrCompactionInProgress", err)
	}

	close(sum.release)
	if err := <-errc; err != nil {
		t.Errorf("first Compact: %v", err)
	}
	if sum.calls.Load() != 1 {
		t.Errorf("summarizer calls = %d, want 1", sum.calls.Load())
	}
}

func TestCompact_IneffectiveLeavesHistory(t *testing.T) {
	tests := []struct {
		name    string
		summary string
	}{
		{"summary longer than history", strings.Repeat("long ", 1000)},
		{"empty summary", "  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum := &fakeSummarizer{summary: tt.summary}
			e := New(Config{SessionID: "s1", Model: "m", KeepRecent: 2}, staticResolver(&mockLLM{}, 0), nil, sum, nil)
			e.Seed(chatHistory(6, 10))
			before := e.History()

			res, err := e.Compact(context.Background())
			if !errors.Is(err, ErrCompactionIneffective) {
				t.Fatalf("error = %v, want ErrCompactionIneffective", err)
			}
			if res.Success {
				t.Error("ineffective compaction reported success")
			}
			if after := e.History(); len(after) != len(before) || after[0].Content != before[0].Content {
				t.Errorf("history changed: %d -> %d messages", len(before), len(after))
			}
		})
	}
}

func TestCompact_SummarizerError(t *testing.T) {
	sum := &fakeSummarizer{err: errors.New("model down")}
	e := New(Config{SessionID: "s1", Model: "m", KeepRecent: 2}, staticResolver(&mockLLM{}, 0), nil, sum, nil)
	e.Seed(chatHistory(6, 100))

	if _, err := e.Compact(context.Background()); err == nil || !strings.Contains(err.Error(), "model down") {
		t.Errorf("error = %v", err)
	}
	if len(e.History()) != 6 {
		t.Error("history changed after failed compaction")
	}
}

func TestCompactionCut(t *testing.T) {
	u := llm.Message{Role: "user"}
	a := llm.Message{Role: "assistant"}
	call := llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "c1"}}}
	tool := llm.Message{Role: "tool", ToolCallID: "c1"}

	tests := []struct {
		name string
		msgs []llm.Message
		keep int
		want int
	}{
		{"plain", []llm.Message{u, a, u, a, u, a}, 2, 4},
		{"tail would start on tool result", []llm.Message{u, a, u, call, tool, a}, 2, 3},
		{"several tool results", []llm.Message{u, a, call, tool, tool, a}, 3, 2},
		{"history shorter than tail", []llm.Message{u, a}, 4, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compactionCut(tt.msgs, tt.keep)
			if got != tt.want {
				t.Errorf("compactionCut = %d, want %d", got, tt.want)
			}
			if got > 0 && tt.msgs[got].Role == "tool" {
				t.Error("tail starts with a tool result")
			}
		})
	}
}

func TestAutoMaintenance_PrunesBeforeCompacting(t *testing.T) {
	sum := &fakeSummarizer{summary: "summary"}
	r := text("ok")
	r.resp.InputTokens = 900
	mock := &mockLLM{replies: []reply{r}}
	e := New(Config{SessionID: "s1", Model: "m", KeepRecent: 2}, staticResolver(mock, 1000), nil, sum, nil)
	e.Seed([]llm.Message{
		{Role: "user", Content: "read the log"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{call("c1", "read_file", nil)}},
		{Role: "tool", ToolCallID: "c1", Content: strings.Repeat("log line\n", 2500)},
		{Role: "assistant", Content: "it is long"},
	})

	e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "go"}, nil)
	e.Wait()

	hist := e.History()
	if len(hist) != 6 {
		t.Fatalf("history length = %d, want 6", len(hist))
	}
	if tool := hist[2].Content; len(tool) > 2000 || !strings.Contains(tool, "pruned") {
		t.Errorf("tool output not pruned: %d bytes", len(tool))
	}
	if sum.calls.Load() != 0 {
		t.Error("compacted although pruning was enough")
	}
	if w := e.Window(); w.Over(w.Used) {
		t.Errorf("window still over threshold: %+v", w)
	}
}

func TestAutoMaintenance_PruneKeepsValidUTF8(t *testing.T) {
	r := text("ok")
	r.resp.InputTokens = 900
	mock := &mockLLM{replies: []reply{r}}
	e := New(Config{SessionID: "s1", Model: "m", KeepRecent: 2}, staticResolver(mock, 1000), nil, &fakeSummarizer{summary: "summary"}, nil)
	e.Seed([]llm.Message{
		{Role: "user", Content: "price list"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{call("c1", "read_file", nil)}},
		{Role: "tool", ToolCallID: "c1", Content: strings.Repeat("€", 8000)},
		{Role: "assistant", Content: "it is long"},
	})

	e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "go"}, nil)
	e.Wait()

	for i, m := range e.History() {
		if !utf8.ValidString(m.Content) {
			t.Errorf("history[%d] is not valid UTF-8 after pruning", i)
		}
	}
}

func TestAutoMaintenance_CompactsWhenPruningIsNotEnough(t *testing.T) {
	sum := &fakeSummarizer{summary: "summary"}
	r := text("ok")
	r.resp.InputTokens = 900
	mock := &mockLLM{replies: []reply{r}}
	e := New(Config{SessionID: "s1", Model: "m", KeepRecent: 2}, staticResolver(mock, 1000), nil, sum, nil)
	e.Seed(chatHistory(20, 1000))

	e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "go"}, nil)
	e.Wait()

	if sum.calls.Load() != 1 {
		t.Fatalf("summarizer calls = %d, want 1", sum.calls.Load())
	}
	hist := e.History()
	if len(hist) != 3 || !prompts.IsSummaryMessage(hist[0].Content) || hist[1].Content != "go" {
		t.Errorf("history = %+v", hist)
	}
}

func TestAutoMaintenance_UnderThresholdDoesNothing(t *testing.T) {
	sum := &fakeSummarizer{summary: "summary"}
	mock := &mockLLM{replies: []reply{text("ok")}}
	e := New(Config{SessionID: "s1", Model: "m"}, staticResolver(mock, 100000), nil, sum, nil)

	e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "go"}, nil)
	e.Wait()
	if sum.calls.Load() != 0 || e.Window().Used != 110 {
		t.Errorf("calls = %d, window = %+v", sum.calls.Load(), e.Window())
	}
}

func TestCharEstimator(t *testing.T) {
	c := NewCharEstimator()
	if c.Estimate(0) != 0 || c.Estimate(10) != 3 {
		t.Errorf("Estimate at default ratio: %d, %d", c.Estimate(0), c.Estimate(10))
	}

	c.Observe(1000, 100)
	if got := c.CharsPerToken(); math.Abs(got-5.8) > 1e-9 {
		t.Errorf("ratio after 10 chars/token = %v, want 5.8", got)
	}

	c.Observe(0, 10)
	c.Observe(10, 0)
	if got := c.CharsPerToken(); math.Abs(got-5.8) > 1e-9 {
		t.Errorf("empty samples moved ratio to %v", got)
	}

	c = NewCharEstimator()
	c.Observe(100000, 1)
	if got := c.CharsPerToken(); math.Abs(got-6.4) > 1e-9 {
		t.Errorf("ratio after clamped sample = %v, want 6.4", got)
	}
}

func TestContextWindowOver(t *testing.T) {
	w := ContextWindow{Limit: 1000, Threshold: 0.85}
	if !w.Over(850) || w.Over(849) {
		t.Error("threshold boundary wrong")
	}
	if (ContextWindow{Threshold: 0.85}).Over(1 << 30) {
		t.Error("unknown limit reported over")
	}
}

func TestTranscript(t *testing.T) {
	got := transcript([]llm.Message{
		{Role: "user", Content: "find the bug"},
		{Role: "assistant", Content: "looking", ToolCalls: []llm.ToolCall{call("c1", "grep", nil)}},
		{Role: "tool", Content: "main.go:12"},
		{Role: "assistant"},
	})
	want := "user: find the bug\nassistant: looking\nassistant: [called grep]\ntool: main.go:12\n"
	if got != want {
		t.Errorf("transcript =\n%s\nwant\n%s", got, want)
	}
}
