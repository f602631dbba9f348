package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nugget/harbor/internal/commands"
	"github.com/nugget/harbor/internal/events"
	"github.com/nugget/harbor/internal/llm"
	"github.com/nugget/harbor/internal/prompts"
	"github.com/nugget/harbor/internal/tools"
)

// maxEventResult bounds the tool result carried in a tool_end event.
// The model still sees the full result.
const maxEventResult = 2000

// turn is the state of one RunStep.
type turn struct {
	engine *Engine
	model  Model
	snap   *tools.Snapshot
	done   *completion
	obs    Observer
	watch  *watchdog
	log    *slog.Logger
	system string
	base   []llm.Message

	// msgs are the messages produced this step; msgs[:safe] is the
	// prefix that forms whole iterations.
	msgs []llm.Message
	safe int

	streamed     strings.Builder
	toolCalls    int
	nudges       int
	progressSent int

	lastInput     int
	lastOutput    int
	lastSentChars int
}

func (t *turn) add(m llm.Message) {
	t.msgs = append(t.msgs, m)
}

func (t *turn) checkpoint() {
	t.safe = len(t.msgs)
}

func (t *turn) committed() []llm.Message {
	return t.msgs[:t.safe]
}

// request builds the full message list for the next model call.
func (t *turn) request() []llm.Message {
	out := make([]llm.Message, 0, 1+len(t.base)+len(t.msgs))
	if t.system != "" {
		out = append(out, llm.Message{Role: "system", Content: t.system})
	}
	out = append(out, t.base...)
	return append(out, t.msgs...)
}

// conversation is request() without any incomplete trailing iteration.
func (t *turn) conversation() []llm.Message {
	out := t.request()
	return out[:len(out)-(len(t.msgs)-t.safe)]
}

// partial returns whatever text the model streamed this step.
func (t *turn) partial() string {
	if s := t.streamed.String(); s != "" {
		return s
	}
	for i := t.safe - 1; i >= 0; i-- {
		if m := t.msgs[i]; m.Role == "assistant" && m.Content != "" {
			return m.Content
		}
	}
	return ""
}

func (t *turn) stream(ev llm.StreamEvent) {
	switch ev.Kind {
	case llm.KindToken:
		t.streamed.WriteString(ev.Token)
		t.obs.Emit(events.Output{Delta: ev.Token})
	case llm.KindThinking:
		t.obs.Emit(events.Thinking{Delta: ev.Token})
	}
	t.watch.touch()
}

func (t *turn) run(ctx context.Context) (res StepResult) {
	cfg := t.engine.cfg
	t.checkpoint()
	defer func() {
		res.ToolCalls = t.toolCalls
		res.Nudges = t.nudges
	}()

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return res
		}
		res.Iterations = iter + 1
		t.watch.touch()
		t.obs.Emit(events.StepStart{Iteration: iter, Model: t.model.Name})

		msgs := t.request()
		t.lastSentChars = messageChars(msgs)
		resp, err := t.model.Client.ChatStream(ctx, t.model.Name, msgs, t.snap.Definitions(), t.stream)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Warn("model request failed", "iteration", iter, "error", err)
				res.Error = fmt.Sprintf("model request failed: %v", err)
				res.Output = t.partial()
			}
			return res
		}

		calls := resp.Message.ToolCalls
		t.lastInput, t.lastOutput = resp.InputTokens, resp.OutputTokens
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		t.obs.Emit(events.StepEnd{
			Iteration:    iter,
			ToolCalls:    len(calls),
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		})
		t.watch.touch()

		calls = t.assignCallIDs(calls)
		t.add(llm.Message{Role: "assistant", Content: resp.Message.Content, ToolCalls: calls})

		if len(calls) == 0 {
			t.checkpoint()
			if cfg.Kind == commands.KindTask && t.toolCalls > 0 && t.nudges < cfg.ContinueNudgeCap {
				t.nudges++
				t.log.Debug("continue nudge", "iteration", iter, "nudges", t.nudges)
				t.add(llm.Message{Role: "user", Content: prompts.ContinueNudge()})
				t.checkpoint()
				continue
			}
			res.Output = resp.Message.Content
			res.Success = true
			return res
		}

		for _, call := range calls {
			t.execute(ctx, call)
		}
		if ctx.Err() != nil {
			return res
		}
		t.checkpoint()

		if called, failed, result, reason := t.done.outcome(); called {
			res.ExplicitCompletion = true
			res.Success = !failed
			res.Output = result
			res.Error = reason
			return res
		}

		if every := cfg.ProgressNudgeEvery; every > 0 && t.toolCalls/every > t.progressSent {
			t.progressSent = t.toolCalls / every
			t.log.Debug("progress nudge", "tool_calls", t.toolCalls)
			t.add(llm.Message{Role: "user", Content: prompts.ProgressNudge(t.toolCalls)})
			t.checkpoint()
		}
	}

	res.Error = fmt.Sprintf("stopped after %d iterations without finishing", cfg.MaxIterations)
	res.Output = t.partial()
	return res
}

// assignCallIDs gives every call without an id a fresh one, so the
// assistant message and its tool results still pair up when the
// history is replayed to a provider that requires ids. The returned
// slice is a copy when any id was added.
func (t *turn) assignCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	var out []llm.ToolCall
	for i, call := range calls {
		if call.ID != "" {
			continue
		}
		if out == nil {
			out = append([]llm.ToolCall(nil), calls...)
		}
		out[i].ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	}
	if out == nil {
		return calls
	}
	return out
}

// execute runs one tool call and appends its result message.
func (t *turn) execute(ctx context.Context, call llm.ToolCall) {
	t.toolCalls++
	id := call.ID
	name := call.Function.Name

	t.obs.Emit(events.ToolStart{ToolCallID: id, Name: name, Args: call.Function.Arguments})
	t.watch.touch()

	started := time.Now()
	out, err := t.snap.Execute(ctx, name, call.Function.Arguments)
	end := events.ToolEnd{
		ToolCallID: id,
		Name:       name,
		DurationMs: time.Since(started).Milliseconds(),
	}

	content := out
	if err != nil {
		t.log.Warn("tool failed", "tool", name, "error", err)
		end.Error = err.Error()
		content = "Error: " + err.Error()
		if out != "" {
			content = out + "\n" + content
		}
	} else {
		end.Result = truncate(out, maxEventResult)
	}
	t.obs.Emit(end)
	t.watch.touch()

	t.add(llm.Message{Role: "tool", Content: content, ToolCallID: id})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return clip(s, n) + "..."
}

// clip returns at most the first n bytes of s without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
