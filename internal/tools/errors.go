package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not in the turn's snapshot: disabled for the agent, never
// registered, or hidden behind the code-execution wrapper. It is a
// capability mismatch, not a transient failure, and is reported to the
// model as the tool result.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}
