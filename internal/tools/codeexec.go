package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// CodeExecToolName is the single entrypoint exposed in code-execution
// mode.
const CodeExecToolName = "execute_code"

// maxScriptCalls bounds the calls one script may make.
const maxScriptCalls = 32

// CodeExec wraps a tool surface behind one execute_code tool. A script
// is a sequence of lines, each "tool_name {json arguments}"; blank lines
// and lines starting with # are skipped. Calls run in order and the
// script stops at the first failing call.
//
// The catalog text describing the inner tools is rebuilt only when the
// inner surface fingerprint changes.
type CodeExec struct {
	mu          sync.Mutex
	fingerprint string
	catalog     string
	rebuilds    int
}

// NewCodeExec creates the wrapper.
func NewCodeExec() *CodeExec {
	return &CodeExec{}
}

// Rebuilds returns how many times the catalog text has been built.
func (c *CodeExec) Rebuilds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuilds
}

// Wrap returns a snapshot exposing only execute_code. keep names tools
// that stay directly callable alongside it.
func (c *CodeExec) Wrap(inner *Snapshot, keep ...string) *Snapshot {
	c.mu.Lock()
	if c.fingerprint != inner.Fingerprint() {
		c.catalog = buildCatalog(inner)
		c.fingerprint = inner.Fingerprint()
		c.rebuilds++
	}
	catalog := c.catalog
	c.mu.Unlock()

	exposed := []*Tool{{
		Name: CodeExecToolName,
		Description: "Run a script of tool calls. Each line is a tool name followed by a JSON object of arguments. " +
			"Calls run in order; the script stops at the first error.\n\nAvailable tools:\n" + catalog,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"script": map[string]any{"type": "string", "description": "One call per line: tool_name {\"arg\": \"value\"}"},
			},
			"required": []string{"script"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return RunScript(ctx, inner, stringArg(args, "script"))
		},
	}}
	for _, name := range keep {
		if t := inner.Get(name); t != nil {
			exposed = append(exposed, t)
		}
	}
	return NewSnapshot(exposed...)
}

func buildCatalog(s *Snapshot) string {
	var b strings.Builder
	for _, t := range s.Tools() {
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
		if props, ok := t.Parameters["properties"].(map[string]any); ok && len(props) > 0 {
			keys := make([]string, 0, len(props))
			for k := range props {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(&b, " (args: %s)", strings.Join(keys, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// ScriptCall is one parsed script line.
type ScriptCall struct {
	Line int
	Name string
	Args map[string]any
}

// ParseScript parses a code-execution script.
func ParseScript(script string) ([]ScriptCall, error) {
	var calls []ScriptCall
	for i, raw := range strings.Split(script, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, rest, _ := strings.Cut(line, " ")
		call := ScriptCall{Line: i + 1, Name: name, Args: map[string]any{}}
		if rest = strings.TrimSpace(rest); rest != "" {
			if err := json.Unmarshal([]byte(rest), &call.Args); err != nil {
				return nil, fmt.Errorf("line %d: arguments for %s are not a JSON object: %w", i+1, name, err)
			}
		}
		calls = append(calls, call)
	}
	if len(calls) == 0 {
		return nil, errors.New("script contains no calls")
	}
	if len(calls) > maxScriptCalls {
		return nil, fmt.Errorf("script makes %d calls; the limit is %d", len(calls), maxScriptCalls)
	}
	return calls, nil
}

// RunScript parses and runs script against inner, returning the
// combined transcript of results.
func RunScript(ctx context.Context, inner *Snapshot, script string) (string, error) {
	calls, err := ParseScript(script)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for i, call := range calls {
		if call.Name == CodeExecToolName {
			return out.String(), fmt.Errorf("line %d: execute_code cannot call itself", call.Line)
		}
		result, err := inner.Execute(ctx, call.Name, call.Args)
		if err != nil {
			fmt.Fprintf(&out, "[%d] %s: error: %v\n", i+1, call.Name, err)
			return out.String(), fmt.Errorf("line %d: %s: %w", call.Line, call.Name, err)
		}
		fmt.Fprintf(&out, "[%d] %s:\n%s\n", i+1, call.Name, result)
	}
	return out.String(), nil
}
