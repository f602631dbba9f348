package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/harbor/internal/llm"
)

// structuredInstruction asks for the final answer as a schema document.
const structuredInstruction = "Return the final result of this request as a single JSON document that matches the requested schema."

// Structured asks model for a document conforming to definition. It
// tries the model's preferred mode first; when schema-constrained
// decoding is unsupported, or yields nothing usable, it retries once
// with a forced tool call before failing.
func (e *Engine) Structured(ctx context.Context, model Model, msgs []llm.Message, definition map[string]any) (json.RawMessage, error) {
	modes := []llm.SchemaMode{model.StructuredMode}
	if model.StructuredMode == llm.SchemaNative {
		modes = append(modes, llm.SchemaToolForced)
	}

	var lastErr error
	for _, mode := range modes {
		resp, err := model.Client.ChatStructured(ctx, model.Name, msgs, llm.Schema{
			Name:        "result",
			Description: "The final result of the request.",
			Mode:        mode,
			Definition:  definition,
		})
		switch {
		case err != nil && !errors.Is(err, llm.ErrStructuredUnsupported):
			return nil, fmt.Errorf("structured output (%s): %w", mode, err)
		case err != nil:
			lastErr = fmt.Errorf("structured output (%s): %w", mode, err)
		case resp.Truncated():
			lastErr = fmt.Errorf("structured output (%s) truncated", mode)
		case !usableDocument(resp.Structured):
			lastErr = fmt.Errorf("structured output (%s) empty or not JSON", mode)
		default:
			return resp.Structured, nil
		}
		e.logger.Debug("structured output attempt failed", "mode", mode, "error", lastErr)
	}
	return nil, lastErr
}

// structuredResult runs Structured over the finished step's
// conversation. The exchange is not added to the history.
func (e *Engine) structuredResult(ctx context.Context, model Model, conv []llm.Message, schema json.RawMessage) (json.RawMessage, error) {
	var definition map[string]any
	if err := json.Unmarshal(schema, &definition); err != nil {
		return nil, fmt.Errorf("output schema: %w", err)
	}
	msgs := append(conv[:len(conv):len(conv)], llm.Message{Role: "user", Content: structuredInstruction})
	return e.Structured(ctx, model, msgs, definition)
}

func usableDocument(doc json.RawMessage) bool {
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 || !json.Valid(doc) {
		return false
	}
	switch string(doc) {
	case "null", "{}", `""`:
		return false
	}
	return true
}
