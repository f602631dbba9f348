package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/nugget/harbor/internal/llm"
	"github.com/nugget/harbor/internal/prompts"
)

var (
	// ErrCompactionInProgress is returned when a prune or compaction
	// pass is already running for the session.
	ErrCompactionInProgress = errors.New("compaction already in progress")

	// ErrCompactionIneffective is returned when compacting would not
	// shrink the conversation. The conversation is left unchanged.
	ErrCompactionIneffective = errors.New("compaction would not reduce context")
)

// CompactionResult describes a finished compaction.
type CompactionResult struct {
	Success          bool
	Summary          string
	TokensBefore     int
	TokensAfter      int
	TailMessageCount int
}

// ContextWindow is the session's token accounting against the model
// limit.
type ContextWindow struct {
	Limit     int
	Used      int
	Threshold float64
}

// Over reports whether tokens reaches the compaction threshold. A
// window with no known limit is never over.
func (w ContextWindow) Over(tokens int) bool {
	return w.Limit > 0 && float64(tokens) >= w.Threshold*float64(w.Limit)
}

const (
	defaultCharsPerToken = 4.0
	estimatorAlpha       = 0.3
)

// CharEstimator converts character counts to token estimates. The
// ratio starts at four characters per token and follows provider usage
// as an exponential moving average.
type CharEstimator struct {
	ratio float64
}

// NewCharEstimator returns an estimator at the default ratio.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{ratio: defaultCharsPerToken}
}

// CharsPerToken returns the current ratio.
func (c *CharEstimator) CharsPerToken() float64 {
	return c.ratio
}

// Estimate returns the token estimate for chars characters.
func (c *CharEstimator) Estimate(chars int) int {
	if chars <= 0 {
		return 0
	}
	return int(math.Ceil(float64(chars) / c.ratio))
}

// Observe folds one provider measurement into the ratio. Samples
// outside [1, 12] characters per token are clamped.
func (c *CharEstimator) Observe(chars, tokens int) {
	if chars <= 0 || tokens <= 0 {
		return
	}
	sample := min(max(float64(chars)/float64(tokens), 1), 12)
	c.ratio = estimatorAlpha*sample + (1-estimatorAlpha)*c.ratio
}

// messageChars counts the characters a message list sends.
func messageChars(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
		for _, tc := range m.ToolCalls {
			n += len(tc.Function.Name)
			if args, err := json.Marshal(tc.Function.Arguments); err == nil {
				n += len(args)
			}
		}
	}
	return n
}

// estimateLocked estimates the tokens the live conversation occupies.
// e.mu must be held.
func (e *Engine) estimateLocked(mirror []llm.Message) int {
	return e.estimator.Estimate(len(e.systemPrompt) + messageChars(mirror))
}

// Summarizer condenses a transcript for compaction.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// LLMSummarizer summarizes with a fixed model.
type LLMSummarizer struct {
	Client llm.Client
	Model  string
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	return summarizeWith(ctx, s.Client, s.Model, transcript)
}

// modelSummarizer summarizes with the session's current model.
type modelSummarizer struct {
	engine *Engine
}

func (s *modelSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	m, err := s.engine.resolveModel(ctx)
	if err != nil {
		return "", err
	}
	return summarizeWith(ctx, m.Client, m.Name, transcript)
}

func summarizeWith(ctx context.Context, client llm.Client, model, transcript string) (string, error) {
	resp, err := client.Chat(ctx, model, []llm.Message{
		{Role: "user", Content: prompts.CompactionPrompt(transcript)},
	}, nil)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// maybeCompact runs after every step. Over threshold it prunes first
// and compacts only when pruning was not enough.
func (e *Engine) maybeCompact(ctx context.Context) {
	e.mu.Lock()
	w := e.window
	e.mu.Unlock()
	if !w.Over(w.Used) {
		return
	}

	if !e.compacting.TryLock() {
		e.logger.Debug("context maintenance already running")
		return
	}
	defer e.compacting.Unlock()

	pruned, estimate := e.prune()
	e.logger.Info("context over threshold",
		"used", w.Used,
		"limit", w.Limit,
		"pruned", pruned,
		"estimate", estimate,
	)
	if !w.Over(estimate) {
		return
	}

	res, err := e.compact(ctx)
	if err != nil {
		e.logger.Warn("compaction failed", "error", err)
		return
	}
	e.logger.Info("conversation compacted",
		"tokens_before", res.TokensBefore,
		"tokens_after", res.TokensAfter,
		"tail", res.TailMessageCount,
	)
}

// Compact summarizes older history now. Only one prune or compaction
// runs at a time; a concurrent request gets ErrCompactionInProgress.
func (e *Engine) Compact(ctx context.Context) (CompactionResult, error) {
	if !e.compacting.TryLock() {
		return CompactionResult{}, ErrCompactionInProgress
	}
	defer e.compacting.Unlock()
	return e.compact(ctx)
}

// prune truncates large tool outputs outside the recent tail in place
// and returns how many it truncated and the new token estimate.
func (e *Engine) prune() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	over := e.cfg.PruneToolOutputOver
	n := 0
	for i := 0; i < len(e.mirror)-e.cfg.KeepRecent; i++ {
		m := &e.mirror[i]
		if m.Role == "tool" && len(m.Content) > over {
			kept := clip(m.Content, over/4)
			m.Content = kept + fmt.Sprintf("\n[... %d bytes of tool output pruned ...]", len(m.Content)-len(kept))
			n++
		}
	}
	if n > 0 {
		e.rebuildLocked()
	}
	estimate := e.estimateLocked(e.mirror)
	e.window.Used = estimate
	return n, estimate
}

// compact replaces everything before the recent tail with a summary.
// The caller holds e.compacting.
func (e *Engine) compact(ctx context.Context) (CompactionResult, error) {
	e.mu.Lock()
	snapshot := append([]llm.Message(nil), e.mirror...)
	e.mu.Unlock()

	cut := compactionCut(snapshot, e.cfg.KeepRecent)
	if cut <= 0 {
		return CompactionResult{}, fmt.Errorf("%w: history fits in the recent tail", ErrCompactionIneffective)
	}

	summary, err := e.summarizer.Summarize(ctx, transcript(snapshot[:cut]))
	if err != nil {
		return CompactionResult{}, fmt.Errorf("summarize: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		return CompactionResult{}, fmt.Errorf("%w: empty summary", ErrCompactionIneffective)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Steps may have appended to the mirror meanwhile; they belong to
	// the tail.
	candidate := make([]llm.Message, 0, 1+len(e.mirror)-cut)
	candidate = append(candidate, llm.Message{Role: "user", Content: prompts.SummaryMessage(summary)})
	candidate = append(candidate, e.mirror[cut:]...)

	res := CompactionResult{
		Summary:          summary,
		TokensBefore:     e.estimateLocked(e.mirror),
		TokensAfter:      e.estimateLocked(candidate),
		TailMessageCount: len(candidate) - 1,
	}
	if res.TokensAfter >= res.TokensBefore {
		return res, ErrCompactionIneffective
	}

	e.mirror = candidate
	e.rebuildLocked()
	e.window.Used = res.TokensAfter
	res.Success = true
	return res, nil
}

// compactionCut returns the index where the preserved tail starts. The
// tail never opens with a tool result, which must follow the call that
// produced it.
func compactionCut(msgs []llm.Message, keepRecent int) int {
	cut := len(msgs) - keepRecent
	for cut > 0 && msgs[cut].Role == "tool" {
		cut--
	}
	return max(cut, 0)
}

// transcript renders messages as "role: content" lines for the
// summarizer.
func transcript(msgs []llm.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		content := truncate(m.Content, 1000)
		switch {
		case len(m.ToolCalls) > 0:
			var names []string
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Function.Name)
			}
			if content != "" {
				fmt.Fprintf(&sb, "%s: %s\n", m.Role, content)
			}
			fmt.Fprintf(&sb, "%s: [called %s]\n", m.Role, strings.Join(names, ", "))
		case content != "":
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, content)
		}
	}
	return sb.String()
}
