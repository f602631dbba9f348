// Package agent is the turn engine that runs inside a sandbox. An
// Engine holds one persistent conversation with a model, runs one user
// request at a time against it, and keeps the conversation inside the
// model's context window by pruning and compacting in the background.
package agent

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/nugget/harbor/internal/commands"
	"github.com/nugget/harbor/internal/events"
	"github.com/nugget/harbor/internal/llm"
	"github.com/nugget/harbor/internal/prompts"
	"github.com/nugget/harbor/internal/tools"
)

// Abort causes recorded on the step context.
var (
	ErrInactivity = errors.New("no activity within the inactivity timeout")
	ErrHardCap    = errors.New("step exceeded its wall-clock limit")
)

// Config holds per-session engine settings.
type Config struct {
	SessionID string
	AgentID   string
	// Kind is commands.KindChat or commands.KindTask.
	Kind         string
	Model        string
	SystemPrompt string

	InactivityTimeout time.Duration
	HardCap           time.Duration
	MaxIterations     int

	// ContinueNudgeCap bounds continuation nudges per step in task
	// sessions.
	ContinueNudgeCap int
	// ProgressNudgeEvery injects a progress request each time the
	// step's tool-call count reaches a multiple of it. Zero disables.
	ProgressNudgeEvery int

	CompactionThreshold float64
	KeepRecent          int
	PruneToolOutputOver int

	// CodeExec exposes the tool surface through a single execute_code
	// tool.
	CodeExec bool
}

func (c *Config) applyDefaults() {
	if c.Kind == "" {
		c.Kind = commands.KindChat
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 5 * time.Minute
	}
	if c.HardCap <= 0 {
		c.HardCap = time.Hour
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 200
	}
	if c.CompactionThreshold <= 0 || c.CompactionThreshold > 1 {
		c.CompactionThreshold = 0.85
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = 8
	}
	if c.PruneToolOutputOver <= 0 {
		c.PruneToolOutputOver = 4000
	}
}

// Model is a resolved model: its name, the client that serves it, and
// what the engine needs to know about it.
type Model struct {
	Name          string
	Client        llm.Client
	ContextWindow int
	// StructuredMode is the first mode tried for schema output.
	StructuredMode llm.SchemaMode
}

// ModelResolver turns a model name into a usable Model.
type ModelResolver interface {
	Resolve(ctx context.Context, name string) (Model, error)
}

// ModelResolverFunc adapts a function to ModelResolver.
type ModelResolverFunc func(ctx context.Context, name string) (Model, error)

// Resolve calls f.
func (f ModelResolverFunc) Resolve(ctx context.Context, name string) (Model, error) {
	return f(ctx, name)
}

// Observer receives the events a step produces.
type Observer interface {
	Emit(ev events.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev events.Event)

// Emit calls f.
func (f ObserverFunc) Emit(ev events.Event) { f(ev) }

// StepRequest is one user request.
type StepRequest struct {
	RequestID string
	// SystemPrompt, when non-empty, replaces the session prompt from
	// this step on.
	SystemPrompt string
	UserPrompt   string
	Attachments  []commands.Attachment
	OutputSchema json.RawMessage
}

// StepResult is the outcome of one step. Provider and tool failures
// land here; RunStep itself does not fail.
type StepResult struct {
	Output             string
	Error              string
	Success            bool
	ExplicitCompletion bool
	Aborted            bool
	Structured         json.RawMessage

	Iterations   int
	ToolCalls    int
	Nudges       int
	InputTokens  int
	OutputTokens int
}

// liveAgent is the conversation as the model currently sees it.
type liveAgent struct {
	systemPrompt string
	promptHash   string
	messages     []llm.Message
	tools        []map[string]any
}

// Engine runs steps for one session. Steps must not overlap; the
// caller's busy gate guarantees that.
type Engine struct {
	cfg        Config
	models     ModelResolver
	surface    *tools.Surface
	summarizer Summarizer
	logger     *slog.Logger

	codeExecOnce sync.Once
	codeExec     *tools.CodeExec

	mu           sync.Mutex
	modelName    string
	model        *Model
	systemPrompt string
	live         *liveAgent
	mirror       []llm.Message
	window       ContextWindow
	estimator    *CharEstimator

	compacting sync.Mutex
	bg         sync.WaitGroup
}

// New creates an engine. summarizer may be nil, in which case the
// session's own model writes compaction summaries.
func New(cfg Config, models ModelResolver, surface *tools.Surface, summarizer Summarizer, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if surface == nil {
		surface = tools.NewSurface(nil, nil, nil, logger)
	}
	e := &Engine{
		cfg:          cfg,
		models:       models,
		surface:      surface,
		logger:       logger.With("session_id", cfg.SessionID, "agent_id", cfg.AgentID),
		modelName:    cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		estimator:    NewCharEstimator(),
		window:       ContextWindow{Threshold: cfg.CompactionThreshold},
	}
	if summarizer == nil {
		summarizer = &modelSummarizer{engine: e}
	}
	e.summarizer = summarizer
	return e
}

// Seed loads prior conversation into the engine before the first step.
func (e *Engine) Seed(history []llm.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mirror = append(e.mirror, history...)
	e.live = nil
}

// SwapModel switches the model used from the next step on. The
// conversation is kept.
func (e *Engine) SwapModel(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if name == e.modelName {
		return
	}
	e.logger.Info("model swapped", "from", e.modelName, "to", name)
	e.modelName = name
	e.model = nil
}

// ModelName returns the model the next step will use.
func (e *Engine) ModelName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modelName
}

// Surface returns the engine's tool surface.
func (e *Engine) Surface() *tools.Surface {
	return e.surface
}

// History returns a copy of the conversation mirror.
func (e *Engine) History() []llm.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]llm.Message(nil), e.mirror...)
}

// Window returns the current context window accounting.
func (e *Engine) Window() ContextWindow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window
}

// Wait blocks until background maintenance started by earlier steps
// has finished.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// resolveModel returns the cached model, resolving it on first use or
// after a swap.
func (e *Engine) resolveModel(ctx context.Context) (Model, error) {
	e.mu.Lock()
	if e.model != nil {
		m := *e.model
		e.mu.Unlock()
		return m, nil
	}
	name := e.modelName
	e.mu.Unlock()

	m, err := e.models.Resolve(ctx, name)
	if err != nil {
		return Model{}, fmt.Errorf("resolve model %s: %w", name, err)
	}
	if m.Name == "" {
		m.Name = name
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.modelName == name {
		e.model = &m
		e.window.Limit = m.ContextWindow
	}
	return m, nil
}

// promptHash returns the BLAKE3 hex digest of a system prompt.
func promptHash(prompt string) string {
	sum := blake3.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// prepareAgent reuses the live agent when the effective system prompt
// is unchanged, pushing refreshed tool definitions into it, and
// otherwise rebuilds it from the mirror.
func (e *Engine) prepareAgent(override string, defs []map[string]any) (systemPrompt string, history []llm.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if override != "" {
		e.systemPrompt = override
	}
	hash := promptHash(e.systemPrompt)
	if e.live == nil || e.live.promptHash != hash {
		if e.live != nil {
			e.logger.Info("system prompt changed, recreating agent", "messages", len(e.mirror))
		}
		e.live = &liveAgent{
			systemPrompt: e.systemPrompt,
			promptHash:   hash,
			messages:     append([]llm.Message(nil), e.mirror...),
		}
	}
	e.live.tools = defs
	return e.live.systemPrompt, append([]llm.Message(nil), e.live.messages...)
}

// commit appends a step's messages to both the mirror and the live
// agent.
func (e *Engine) commit(msgs []llm.Message) {
	if len(msgs) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mirror = append(e.mirror, msgs...)
	if e.live != nil {
		e.live.messages = append(e.live.messages, msgs...)
	}
}

// rebuildLocked replaces the live agent's messages with the mirror.
func (e *Engine) rebuildLocked() {
	if e.live != nil {
		e.live.messages = append([]llm.Message(nil), e.mirror...)
	}
}

// surfaceFor resolves the step's tool snapshot, with the completion
// tools added for task sessions and the code-exec wrapper applied when
// configured.
func (e *Engine) surfaceFor(ctx context.Context, done *completion) *tools.Snapshot {
	snap := e.surface.Snapshot(ctx)
	var keep []string
	if e.cfg.Kind == commands.KindTask {
		snap = snap.With(done.tools()...)
		keep = []string{prompts.CompleteTaskTool, prompts.FailTaskTool}
	}
	if !e.cfg.CodeExec {
		return snap
	}
	e.codeExecOnce.Do(func() { e.codeExec = tools.NewCodeExec() })
	return e.codeExec.Wrap(snap, keep...)
}

// userMessage builds the prompt message: images first, then text
// attachments, then the prompt text.
func userMessage(prompt string, attachments []commands.Attachment) llm.Message {
	msg := llm.Message{Role: "user"}
	var parts []string
	for _, a := range attachments {
		if a.IsImage() {
			msg.Images = append(msg.Images, llm.Image{MediaType: a.MediaType, Data: a.Data})
		}
	}
	for _, a := range attachments {
		if !a.IsImage() && a.Text != "" {
			name := a.Name
			if name == "" {
				name = "attachment"
			}
			parts = append(parts, fmt.Sprintf("[%s]\n%s", name, a.Text))
		}
	}
	parts = append(parts, prompt)
	msg.Content = strings.Join(parts, "\n\n")
	return msg
}

// RunStep runs one request to completion, abort, or failure.
func (e *Engine) RunStep(ctx context.Context, req StepRequest, obs Observer) StepResult {
	if obs == nil {
		obs = ObserverFunc(func(events.Event) {})
	}
	log := e.logger.With("request_id", req.RequestID)
	start := time.Now()

	model, err := e.resolveModel(ctx)
	if err != nil {
		log.Error("model resolution failed", "error", err)
		return StepResult{Error: err.Error()}
	}

	done := &completion{}
	snap := e.surfaceFor(ctx, done)
	systemPrompt, history := e.prepareAgent(req.SystemPrompt, snap.Definitions())

	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watch := newWatchdog(e.cfg.InactivityTimeout, e.cfg.HardCap, cancel)

	stepCtx = tools.WithSessionID(stepCtx, e.cfg.SessionID)
	stepCtx = tools.WithRequestID(stepCtx, req.RequestID)

	t := &turn{
		engine: e,
		model:  model,
		snap:   snap,
		done:   done,
		obs:    obs,
		watch:  watch,
		log:    log,
		system: systemPrompt,
		base:   history,
	}
	t.add(userMessage(req.UserPrompt, req.Attachments))

	res := t.run(stepCtx)
	if res.Success && len(req.OutputSchema) > 0 {
		res.Structured, err = e.structuredResult(stepCtx, model, t.conversation(), req.OutputSchema)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
		}
	}
	watch.stop()

	// Only whole iterations are kept; an assistant message whose tool
	// calls never got results is dropped.
	e.commit(t.committed())

	if !res.Success && !res.ExplicitCompletion && stepCtx.Err() != nil {
		res.Output = t.partial()
		if cause := context.Cause(stepCtx); errors.Is(cause, ErrInactivity) || errors.Is(cause, ErrHardCap) {
			res.Error = cause.Error()
		} else {
			res.Aborted = true
			res.Error = "aborted"
		}
	}

	e.afterStep(ctx, t)

	log.Info("step complete",
		"model", model.Name,
		"success", res.Success,
		"aborted", res.Aborted,
		"explicit", res.ExplicitCompletion,
		"iterations", res.Iterations,
		"tool_calls", res.ToolCalls,
		"nudges", res.Nudges,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res
}

// afterStep updates the context window from provider usage and
// schedules the compaction check.
func (e *Engine) afterStep(ctx context.Context, t *turn) {
	e.mu.Lock()
	if t.lastInput > 0 {
		e.estimator.Observe(t.lastSentChars, t.lastInput)
		e.window.Used = t.lastInput + t.lastOutput
	}
	e.mu.Unlock()

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.maybeCompact(context.WithoutCancel(ctx))
	}()
}
