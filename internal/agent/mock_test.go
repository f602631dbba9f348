package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/harbor/internal/events"
	"github.com/nugget/harbor/internal/llm"
	"github.com/nugget/harbor/internal/tools"
)

// reply is one scripted model response.
type reply struct {
	resp *llm.ChatResponse
	err  error
	// tokens are streamed before the response is returned, one every
	// tokenEvery.
	tokens     []string
	tokenEvery time.Duration
	// hang blocks until the request context is done.
	hang bool
	// stream keeps emitting tokens every tokenEvery until the context
	// is done.
	stream bool
}

type llmCall struct {
	Model    string
	Messages []llm.Message
	Tools    []string
}

type structuredCall struct {
	Mode   llm.SchemaMode
	Schema llm.Schema
}

// mockLLM plays back a script of replies.
type mockLLM struct {
	mu         sync.Mutex
	replies    []reply
	calls      []llmCall
	structured []func(llm.Schema) (*llm.ChatResponse, error)
	sCalls     []structuredCall
	chatFn     func(msgs []llm.Message) (*llm.ChatResponse, error)
}

func (m *mockLLM) Chat(_ context.Context, _ string, msgs []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	if m.chatFn != nil {
		return m.chatFn(msgs)
	}
	return nil, fmt.Errorf("mockLLM: Chat not scripted")
}

func (m *mockLLM) ChatStream(ctx context.Context, model string, msgs []llm.Message, defs []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, llmCall{
		Model:    model,
		Messages: append([]llm.Message(nil), msgs...),
		Tools:    defNames(defs),
	})
	idx := len(m.calls) - 1
	if idx >= len(m.replies) {
		m.mu.Unlock()
		return nil, fmt.Errorf("mockLLM: no reply scripted for call %d", idx)
	}
	r := m.replies[idx]
	m.mu.Unlock()

	for _, tok := range r.tokens {
		if r.tokenEvery > 0 {
			select {
			case <-time.After(r.tokenEvery):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
	}
	if r.stream {
		for {
			select {
			case <-time.After(r.tokenEvery):
				cb(llm.StreamEvent{Kind: llm.KindToken, Token: "."})
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if r.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.resp, nil
}

func (m *mockLLM) ChatStructured(_ context.Context, _ string, _ []llm.Message, schema llm.Schema) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sCalls = append(m.sCalls, structuredCall{Mode: schema.Mode, Schema: schema})
	idx := len(m.sCalls) - 1
	if idx >= len(m.structured) {
		return nil, fmt.Errorf("mockLLM: no structured reply for call %d", idx)
	}
	return m.structured[idx](schema)
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockLLM) call(i int) llmCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func defNames(defs []map[string]any) []string {
	var names []string
	for _, d := range defs {
		fn, _ := d["function"].(map[string]any)
		name, _ := fn["name"].(string)
		names = append(names, name)
	}
	return names
}

func text(content string) reply {
	return reply{resp: &llm.ChatResponse{
		Message:      llm.Message{Role: "assistant", Content: content},
		StopReason:   llm.StopEnd,
		InputTokens:  100,
		OutputTokens: 10,
	}}
}

func toolCalls(calls ...llm.ToolCall) reply {
	return reply{resp: &llm.ChatResponse{
		Message:      llm.Message{Role: "assistant", ToolCalls: calls},
		StopReason:   llm.StopToolUse,
		InputTokens:  100,
		OutputTokens: 10,
	}}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return llm.ToolCall{ID: id, Function: llm.ToolFunction{Name: name, Arguments: args}}
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type()
	}
	return out
}

func staticResolver(mock llm.Client, window int) ModelResolver {
	return ModelResolverFunc(func(_ context.Context, name string) (Model, error) {
		return Model{Name: name, Client: mock, ContextWindow: window}, nil
	})
}

// echoRegistry registers tools that return "<name> ok".
func echoRegistry(names ...string) *tools.Registry {
	r := tools.NewRegistry()
	for _, n := range names {
		name := n
		r.Register(&tools.Tool{
			Name:        name,
			Description: "test tool " + name,
			Handler: func(context.Context, map[string]any) (string, error) {
				return name + " ok", nil
			},
		})
	}
	return r
}

func newTestEngine(cfg Config, mock *mockLLM, reg *tools.Registry) *Engine {
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "s1"
	}
	return New(cfg, staticResolver(mock, 0), tools.NewSurface(reg, nil, nil, nil), nil, nil)
}

func hasMessage(msgs []llm.Message, role, content string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role && m.Content == content {
			n++
		}
	}
	return n
}
