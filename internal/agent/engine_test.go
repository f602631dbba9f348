package agent

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/harbor/internal/commands"
	"github.com/nugget/harbor/internal/events"
	"github.com/nugget/harbor/internal/llm"
	"github.com/nugget/harbor/internal/prompts"
	"github.com/nugget/harbor/internal/tools"
)

func TestRunStep_ChatEndToEnd(t *testing.T) {
	mock := &mockLLM{replies: []reply{{
		tokens: []string{"Hel", "lo"},
		resp:   text("Hello").resp,
	}}}
	e := newTestEngine(Config{Kind: commands.KindChat, SystemPrompt: "be brief"}, mock, nil)
	rec := &recorder{}

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "hi"}, rec)
	e.Wait()

	if !res.Success || res.Output != "Hello" || res.ExplicitCompletion || res.Aborted {
		t.Fatalf("result = %+v", res)
	}
	want := []events.Type{events.TypeStepStart, events.TypeOutput, events.TypeOutput, events.TypeStepEnd}
	if got := rec.types(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	msgs := mock.call(0).Messages
	if msgs[0].Role != "system" || msgs[0].Content != "be brief" || msgs[1].Content != "hi" {
		t.Errorf("request messages = %+v", msgs)
	}
	hist := e.History()
	if len(hist) != 2 || hist[0].Role != "user" || hist[1].Content != "Hello" {
		t.Errorf("history = %+v", hist)
	}
}

func TestRunStep_ChatNeverNudges(t *testing.T) {
	mock := &mockLLM{replies: []reply{
		toolCalls(call("c1", "alpha", nil)),
		text("all done"),
	}}
	e := newTestEngine(Config{Kind: commands.KindChat, ContinueNudgeCap: 3}, mock, echoRegistry("alpha"))

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "go"}, nil)
	e.Wait()

	if !res.Success || res.Nudges != 0 || res.ToolCalls != 1 || mock.callCount() != 2 {
		t.Errorf("result = %+v, calls = %d", res, mock.callCount())
	}
	if slices.Contains(mock.call(0).Tools, prompts.CompleteTaskTool) {
		t.Error("chat session offered completion tools")
	}
}

func TestRunStep_TaskEndToEnd(t *testing.T) {
	mock := &mockLLM{replies: []reply{
		toolCalls(call("c1", "alpha", nil)),
		text("I think that's it."),
		toolCalls(call("c2", prompts.CompleteTaskTool, map[string]any{"result": "shipped"})),
	}}
	e := newTestEngine(Config{Kind: commands.KindTask, ContinueNudgeCap: 3}, mock, echoRegistry("alpha"))

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "ship it"}, nil)
	e.Wait()

	if !res.Success || !res.ExplicitCompletion || res.Output != "shipped" {
		t.Fatalf("result = %+v", res)
	}
	if res.Nudges != 1 {
		t.Errorf("Nudges = %d, want exactly 1", res.Nudges)
	}
	if n := hasMessage(mock.call(2).Messages, "user", prompts.ContinueNudge()); n != 1 {
		t.Errorf("nudge appears %d times in final request, want 1", n)
	}
	if !slices.Contains(mock.call(0).Tools, prompts.FailTaskTool) {
		t.Errorf("task tools = %v", mock.call(0).Tools)
	}
}

func TestRunStep_ContinueNudgeCap(t *testing.T) {
	mock := &mockLLM{replies: []reply{
		toolCalls(call("c1", "alpha", nil)),
		text("pause 1"),
		text("pause 2"),
		text("pause 3"),
	}}
	e := newTestEngine(Config{Kind: commands.KindTask, ContinueNudgeCap: 2}, mock, echoRegistry("alpha"))

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "go"}, nil)
	e.Wait()

	if res.Nudges != 2 || mock.callCount() != 4 {
		t.Fatalf("nudges = %d, calls = %d; want 2, 4", res.Nudges, mock.callCount())
	}
	if !res.Success || res.ExplicitCompletion || res.Output != "pause 3" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunStep_NoNudgeWithoutToolUse(t *testing.T) {
	mock := &mockLLM{replies: []reply{text("answered directly")}}
	e := newTestEngine(Config{Kind: commands.KindTask, ContinueNudgeCap: 3}, mock, nil)

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "what is 2+2"}, nil)
	e.Wait()
	if res.Nudges != 0 || mock.callCount() != 1 || res.Output != "answered directly" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunStep_ProgressNudge(t *testing.T) {
	mock := &mockLLM{replies: []reply{
		toolCalls(call("c1", "alpha", nil), call("c2", "alpha", nil)),
		toolCalls(call("c3", "alpha", nil)),
		text("done"),
	}}
	e := newTestEngine(Config{Kind: commands.KindChat, ProgressNudgeEvery: 2}, mock, echoRegistry("alpha"))

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "go"}, nil)
	e.Wait()

	if !res.Success || res.ToolCalls != 3 {
		t.Fatalf("result = %+v", res)
	}
	if n := hasMessage(mock.call(1).Messages, "user", prompts.ProgressNudge(2)); n != 1 {
		t.Errorf("progress nudge in call 1: %d, want 1", n)
	}
	if n := hasMessage(mock.call(2).Messages, "user", prompts.ProgressNudge(3)); n != 0 {
		t.Error("progress nudge repeated before next threshold")
	}
}

func TestRunStep_FailTask(t *testing.T) {
	mock := &mockLLM{replies: []reply{
		toolCalls(call("c1", prompts.FailTaskTool, map[string]any{"reason": "repo is read-only"})),
	}}
	e := newTestEngine(Config{Kind: commands.KindTask}, mock, nil)

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "push"}, nil)
	e.Wait()
	if res.Success || !res.ExplicitCompletion || res.Error != "repo is read-only" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunStep_ToolEventsAndUnknownTool(t *testing.T) {
	mock := &mockLLM{replies: []reply{
		toolCalls(call("c1", "alpha", map[string]any{"x": "1"}), call("c2", "ghost", nil)),
		text("ok"),
	}}
	e := newTestEngine(Config{}, mock, echoRegistry("alpha"))
	rec := &recorder{}

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "go"}, rec)
	e.Wait()
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	var ends []events.ToolEnd
	for _, ev := range rec.events {
		if te, ok := ev.(events.ToolEnd); ok {
			ends = append(ends, te)
		}
	}
	if len(ends) != 2 || ends[0].Result != "alpha ok" || ends[1].Error == "" {
		t.Fatalf("tool ends = %+v", ends)
	}
	second := mock.call(1).Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "c2" || !strings.HasPrefix(last.Content, "Error:") {
		t.Errorf("unknown tool result = %+v", last)
	}
}

func TestRunStep_AssignsMissingToolCallIDs(t *testing.T) {
	mock := &mockLLM{replies: []reply{
		toolCalls(call("", "alpha", nil), call("", "beta", nil)),
		text("ok"),
	}}
	e := newTestEngine(Config{}, mock, echoRegistry("alpha", "beta"))
	rec := &recorder{}

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "go"}, rec)
	e.Wait()
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	hist := e.History()
	if len(hist) != 5 {
		t.Fatalf("history length = %d, want 5", len(hist))
	}
	calls := hist[1].ToolCalls
	if len(calls) != 2 || calls[0].ID == "" || calls[1].ID == "" || calls[0].ID == calls[1].ID {
		t.Fatalf("assistant tool calls = %+v", calls)
	}
	for i, m := range hist[2:4] {
		if m.Role != "tool" || m.ToolCallID != calls[i].ID {
			t.Errorf("tool result %d id = %q, want %q", i, m.ToolCallID, calls[i].ID)
		}
	}

	var starts []string
	for _, ev := range rec.events {
		if ts, ok := ev.(events.ToolStart); ok {
			starts = append(starts, ts.ToolCallID)
		}
	}
	if !slices.Equal(starts, []string{calls[0].ID, calls[1].ID}) {
		t.Errorf("tool_start ids = %v", starts)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"€€€", 4, "€..."},
		{"€€€", 2, "..."},
		{"aé", 2, "a..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestRunStep_ProviderErrorKeepsSessionUsable(t *testing.T) {
	mock := &mockLLM{replies: []reply{
		{err: errors.New("503 overloaded")},
		text("recovered"),
	}}
	e := newTestEngine(Config{}, mock, nil)

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "one"}, nil)
	if res.Success || !strings.Contains(res.Error, "503") || res.Aborted {
		t.Fatalf("first result = %+v", res)
	}
	res = e.RunStep(context.Background(), StepRequest{RequestID: "r2", UserPrompt: "two"}, nil)
	e.Wait()
	if !res.Success || res.Output != "recovered" {
		t.Errorf("second result = %+v", res)
	}
}

func TestRunStep_Abort(t *testing.T) {
	mock := &mockLLM{replies: []reply{{tokens: []string{"partial "}, hang: true}}}
	e := newTestEngine(Config{}, mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	res := e.RunStep(ctx, StepRequest{RequestID: "r1", UserPrompt: "long job"}, nil)
	e.Wait()

	if !res.Aborted || res.Success || res.Output != "partial " {
		t.Errorf("result = %+v", res)
	}
	if hist := e.History(); len(hist) != 1 || hist[0].Role != "user" {
		t.Errorf("history after abort = %+v", hist)
	}
}

func TestRunStep_InactivityTimeout(t *testing.T) {
	mock := &mockLLM{replies: []reply{{hang: true}}}
	e := newTestEngine(Config{InactivityTimeout: 50 * time.Millisecond, HardCap: time.Minute}, mock, nil)

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "x"}, nil)
	e.Wait()
	if res.Success || res.Aborted || res.Error != ErrInactivity.Error() {
		t.Errorf("result = %+v", res)
	}
}

func TestRunStep_ActivityResetsInactivity(t *testing.T) {
	toks := make([]string, 10)
	for i := range toks {
		toks[i] = "t"
	}
	mock := &mockLLM{replies: []reply{{
		tokens:     toks,
		tokenEvery: 30 * time.Millisecond,
		resp:       text("tttttttttt").resp,
	}}}
	e := newTestEngine(Config{InactivityTimeout: 150 * time.Millisecond, HardCap: time.Minute}, mock, nil)

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "x"}, nil)
	e.Wait()
	if !res.Success {
		t.Errorf("streaming step timed out: %+v", res)
	}
}

func TestRunStep_HardCap(t *testing.T) {
	mock := &mockLLM{replies: []reply{{stream: true, tokenEvery: 10 * time.Millisecond}}}
	e := newTestEngine(Config{InactivityTimeout: time.Minute, HardCap: 100 * time.Millisecond}, mock, nil)

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "x"}, nil)
	e.Wait()
	if res.Success || res.Aborted || res.Error != ErrHardCap.Error() {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Output, ".") {
		t.Errorf("partial output = %q", res.Output)
	}
}

func TestRunStep_DisableToolMidSession(t *testing.T) {
	reg := echoRegistry("beta")
	var surface *tools.Surface
	reg.Register(&tools.Tool{
		Name: "alpha",
		Handler: func(context.Context, map[string]any) (string, error) {
			surface.Disable("beta")
			return "beta disabled", nil
		},
	})
	surface = tools.NewSurface(reg, nil, nil, nil)

	mock := &mockLLM{replies: []reply{
		toolCalls(call("c1", "alpha", nil)),
		toolCalls(call("c2", "beta", nil)),
		text("step one done"),
		text("step two done"),
	}}
	e := New(Config{SessionID: "s1", Model: "m"}, staticResolver(mock, 0), surface, nil, nil)

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "one"}, nil)
	if !res.Success {
		t.Fatalf("step one = %+v", res)
	}
	if !slices.Contains(mock.call(1).Tools, "beta") {
		t.Error("in-flight step lost beta")
	}
	msgs := mock.call(2).Messages
	if last := msgs[len(msgs)-1]; last.Content != "beta ok" {
		t.Errorf("beta in flight returned %q", last.Content)
	}

	e.RunStep(context.Background(), StepRequest{RequestID: "r2", UserPrompt: "two"}, nil)
	e.Wait()
	if got := mock.call(3).Tools; slices.Contains(got, "beta") || !slices.Contains(got, "alpha") {
		t.Errorf("next step tools = %v", got)
	}
}

func TestRunStep_SystemPromptChangeRecreatesFromMirror(t *testing.T) {
	mock := &mockLLM{replies: []reply{text("first"), text("second"), text("third")}}
	e := newTestEngine(Config{SystemPrompt: "v1"}, mock, nil)
	ctx := context.Background()

	e.RunStep(ctx, StepRequest{RequestID: "r1", UserPrompt: "a"}, nil)
	e.RunStep(ctx, StepRequest{RequestID: "r2", UserPrompt: "b", SystemPrompt: "v2"}, nil)
	e.RunStep(ctx, StepRequest{RequestID: "r3", UserPrompt: "c"}, nil)
	e.Wait()

	second := mock.call(1).Messages
	if second[0].Content != "v2" || len(second) != 4 || second[2].Content != "first" {
		t.Errorf("recreated request = %+v", second)
	}
	if third := mock.call(2).Messages; third[0].Content != "v2" || len(third) != 6 {
		t.Errorf("prompt override not kept: %+v", third)
	}
}

func TestRunStep_Attachments(t *testing.T) {
	mock := &mockLLM{replies: []reply{text("seen")}}
	e := newTestEngine(Config{}, mock, nil)

	e.RunStep(context.Background(), StepRequest{
		RequestID:  "r1",
		UserPrompt: "what is wrong?",
		Attachments: []commands.Attachment{
			{Name: "log.txt", MediaType: "text/plain", Text: "panic: nil map"},
			{Name: "shot.png", MediaType: "image/png", Data: []byte{0x89, 'P'}},
		},
	}, nil)
	e.Wait()

	msg := mock.call(0).Messages[0]
	if len(msg.Images) != 1 || msg.Images[0].MediaType != "image/png" {
		t.Errorf("images = %+v", msg.Images)
	}
	if msg.Content != "[log.txt]\npanic: nil map\n\nwhat is wrong?" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestSwapModel_ResolvesOnceAndKeepsHistory(t *testing.T) {
	mock := &mockLLM{replies: []reply{text("a"), text("b"), text("c")}}
	var resolves atomic.Int32
	resolver := ModelResolverFunc(func(_ context.Context, name string) (Model, error) {
		resolves.Add(1)
		return Model{Name: name, Client: mock}, nil
	})
	e := New(Config{SessionID: "s1", Model: "small"}, resolver, nil, nil, nil)
	ctx := context.Background()

	e.RunStep(ctx, StepRequest{RequestID: "r1", UserPrompt: "1"}, nil)
	e.RunStep(ctx, StepRequest{RequestID: "r2", UserPrompt: "2"}, nil)
	if resolves.Load() != 1 {
		t.Errorf("resolved %d times, want 1", resolves.Load())
	}

	e.SwapModel("large")
	e.RunStep(ctx, StepRequest{RequestID: "r3", UserPrompt: "3"}, nil)
	e.Wait()
	last := mock.call(2)
	if resolves.Load() != 2 || last.Model != "large" || len(last.Messages) != 5 {
		t.Errorf("after swap: resolves = %d, call = %+v", resolves.Load(), last)
	}
}

func TestRunStep_CodeExecCompletionInsideScript(t *testing.T) {
	script := "alpha {}\n" + prompts.CompleteTaskTool + ` {"result": "via script"}`
	mock := &mockLLM{replies: []reply{
		toolCalls(call("c1", tools.CodeExecToolName, map[string]any{"script": script})),
	}}
	e := newTestEngine(Config{Kind: commands.KindTask, CodeExec: true}, mock, echoRegistry("alpha", "beta"))

	res := e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "go"}, nil)
	e.Wait()

	want := []string{prompts.CompleteTaskTool, tools.CodeExecToolName, prompts.FailTaskTool}
	if got := mock.call(0).Tools; !slices.Equal(got, want) {
		t.Errorf("exposed tools = %v, want %v", got, want)
	}
	if !res.ExplicitCompletion || res.Output != "via script" {
		t.Errorf("result = %+v", res)
	}
}

func TestSeed(t *testing.T) {
	mock := &mockLLM{replies: []reply{text("continuing")}}
	e := newTestEngine(Config{}, mock, nil)
	e.Seed([]llm.Message{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}})

	e.RunStep(context.Background(), StepRequest{RequestID: "r1", UserPrompt: "now"}, nil)
	e.Wait()
	msgs := mock.call(0).Messages
	if len(msgs) != 3 || msgs[0].Content != "earlier" {
		t.Errorf("seeded request = %+v", msgs)
	}
}
