// Package llm provides LLM client implementations.
package llm

import (
	"context"
	"errors"
)

// ErrStructuredUnsupported is returned by ChatStructured when the
// provider or model cannot honor the requested schema mode.
var ErrStructuredUnsupported = errors.New("structured output mode not supported")

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil, tokens are streamed to it.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// ChatStructured asks for a single JSON document conforming to
	// schema. The document is returned in ChatResponse.Structured.
	ChatStructured(ctx context.Context, model string, messages []Message, schema Schema) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// SchemaMode selects how a provider is made to produce schema-shaped
// output.
type SchemaMode int

const (
	// SchemaNative uses the provider's constrained decoding.
	SchemaNative SchemaMode = iota

	// SchemaToolForced declares one tool whose input schema is the
	// output schema and forces the model to call it.
	SchemaToolForced
)

func (m SchemaMode) String() string {
	switch m {
	case SchemaNative:
		return "native"
	case SchemaToolForced:
		return "tool_forced"
	default:
		return "unknown"
	}
}

// Schema describes a structured output request.
type Schema struct {
	Name        string
	Description string
	Mode        SchemaMode
	Definition  map[string]any
}
