// Package events defines the closed set of events a sandboxed agent
// emits and the envelope they travel in. Every event type is a concrete
// struct implementing [Event]; the set cannot be extended outside this
// package, so type switches over it are exhaustive.
//
// Events are either structural (turn, tool and step boundaries, status
// transitions) or high-frequency (token and thinking deltas). Only
// structural events are written to the replay log and carry a sequence
// number; see [Structural].
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the wire name of an event.
type Type string

// Wire names, one per event struct.
const (
	TypeOutput           Type = "output"
	TypeThinking         Type = "thinking"
	TypeToolStart        Type = "tool_start"
	TypeToolEnd          Type = "tool_end"
	TypeStepStart        Type = "step_start"
	TypeStepEnd          Type = "step_end"
	TypeTurnEnd          Type = "turn_end"
	TypeContainerReady   Type = "container_ready"
	TypeContainerBusy    Type = "container_busy"
	TypeContainerIdle    Type = "container_idle"
	TypeContainerExiting Type = "container_exiting"
	TypeResponseAborted  Type = "response_aborted"
	TypeSessionStatus    Type = "session_status"
	TypeSessionError     Type = "session_error"
)

// Event is implemented only by the event structs in this package.
type Event interface {
	Type() Type
	sealed()
}

// Output is a streamed fragment of assistant text.
type Output struct {
	Delta string `json:"delta"`
}

// Thinking is a streamed fragment of model reasoning.
type Thinking struct {
	Delta string `json:"delta"`
}

// ToolStart marks the beginning of a tool invocation.
type ToolStart struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
}

// ToolEnd marks the end of a tool invocation. DurationMs is filled in by
// the host from the matching ToolStart when one was seen.
type ToolEnd struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// StepStart marks the start of one model iteration within a turn.
type StepStart struct {
	Iteration int    `json:"iteration"`
	Model     string `json:"model,omitempty"`
}

// StepEnd marks the end of one model iteration.
type StepEnd struct {
	Iteration    int `json:"iteration"`
	ToolCalls    int `json:"tool_calls"`
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// TurnEnd is the terminal event of a successfully dispatched turn,
// whether it succeeded or failed.
type TurnEnd struct {
	RequestID          string          `json:"request_id"`
	Output             string          `json:"output"`
	Error              string          `json:"error,omitempty"`
	Success            bool            `json:"success"`
	ExplicitCompletion bool            `json:"explicit_completion"`
	Structured         json.RawMessage `json:"structured,omitempty"`
	ToolCalls          int             `json:"tool_calls"`
	Nudges             int             `json:"nudges,omitempty"`
	InputTokens        int             `json:"input_tokens,omitempty"`
	OutputTokens       int             `json:"output_tokens,omitempty"`
}

// ContainerReady is published once by the sandbox after it has
// subscribed to its command channel.
type ContainerReady struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
}

// ContainerBusy is published when the sandbox accepts a turn.
type ContainerBusy struct {
	RequestID string `json:"request_id"`
}

// ContainerIdle is published when the sandbox finishes a turn.
type ContainerIdle struct {
	RequestID string `json:"request_id,omitempty"`
}

// ContainerExiting is published when the sandbox shuts down.
type ContainerExiting struct {
	Reason string `json:"reason,omitempty"`
}

// ResponseAborted is the terminal event of a turn cancelled by an
// abort command.
type ResponseAborted struct {
	RequestID string `json:"request_id"`
	Output    string `json:"output,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SessionStatus reports an orchestrator-level status transition.
type SessionStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// SessionError reports a session-level failure to observers.
type SessionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Session error codes.
const (
	CodeImagePull    = "image_pull"
	CodeLaunchFailed = "launch_failed"
	CodeReadyTimeout = "ready_timeout"
	CodeBusy         = "busy"
	CodeBadCommand   = "bad_command"
	CodeSandboxLost  = "sandbox_lost"
	CodeSendFailed   = "send_failed"
)

func (Output) Type() Type           { return TypeOutput }
func (Thinking) Type() Type         { return TypeThinking }
func (ToolStart) Type() Type        { return TypeToolStart }
func (ToolEnd) Type() Type          { return TypeToolEnd }
func (StepStart) Type() Type        { return TypeStepStart }
func (StepEnd) Type() Type          { return TypeStepEnd }
func (TurnEnd) Type() Type          { return TypeTurnEnd }
func (ContainerReady) Type() Type   { return TypeContainerReady }
func (ContainerBusy) Type() Type    { return TypeContainerBusy }
func (ContainerIdle) Type() Type    { return TypeContainerIdle }
func (ContainerExiting) Type() Type { return TypeContainerExiting }
func (ResponseAborted) Type() Type  { return TypeResponseAborted }
func (SessionStatus) Type() Type    { return TypeSessionStatus }
func (SessionError) Type() Type     { return TypeSessionError }

func (Output) sealed()           {}
func (Thinking) sealed()         {}
func (ToolStart) sealed()        {}
func (ToolEnd) sealed()          {}
func (StepStart) sealed()        {}
func (StepEnd) sealed()          {}
func (TurnEnd) sealed()          {}
func (ContainerReady) sealed()   {}
func (ContainerBusy) sealed()    {}
func (ContainerIdle) sealed()    {}
func (ContainerExiting) sealed() {}
func (ResponseAborted) sealed()  {}
func (SessionStatus) sealed()    {}
func (SessionError) sealed()     {}

// Structural reports whether ev belongs in the replay log.
func Structural(ev Event) bool {
	switch ev.(type) {
	case Output, Thinking:
		return false
	case ToolStart, ToolEnd, StepStart, StepEnd, TurnEnd,
		ContainerReady, ContainerBusy, ContainerIdle, ContainerExiting,
		ResponseAborted, SessionStatus, SessionError:
		return true
	default:
		panic(fmt.Sprintf("events: unhandled event %T", ev))
	}
}

// Terminal reports whether ev ends a turn.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case TurnEnd, ResponseAborted:
		return true
	}
	return false
}

// Envelope is the wire form of an event. Seq is set only on structural
// events that have been appended to the replay log.
type Envelope struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Wrap builds an envelope for ev stamped at ts.
func Wrap(ev Event, ts time.Time) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", ev.Type(), err)
	}
	return Envelope{Type: ev.Type(), Timestamp: ts.UTC(), Data: data}, nil
}

// Encode wraps ev and marshals the envelope.
func Encode(ev Event, ts time.Time) ([]byte, error) {
	env, err := Wrap(ev, ts)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a wire envelope.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Event decodes the envelope payload into its concrete event type.
func (e Envelope) Event() (Event, error) {
	var ev Event
	var err error
	switch e.Type {
	case TypeOutput:
		ev, err = unmarshal[Output](e.Data)
	case TypeThinking:
		ev, err = unmarshal[Thinking](e.Data)
	case TypeToolStart:
		ev, err = unmarshal[ToolStart](e.Data)
	case TypeToolEnd:
		ev, err = unmarshal[ToolEnd](e.Data)
	case TypeStepStart:
		ev, err = unmarshal[StepStart](e.Data)
	case TypeStepEnd:
		ev, err = unmarshal[StepEnd](e.Data)
	case TypeTurnEnd:
		ev, err = unmarshal[TurnEnd](e.Data)
	case TypeContainerReady:
		ev, err = unmarshal[ContainerReady](e.Data)
	case TypeContainerBusy:
		ev, err = unmarshal[ContainerBusy](e.Data)
	case TypeContainerIdle:
		ev, err = unmarshal[ContainerIdle](e.Data)
	case TypeContainerExiting:
		ev, err = unmarshal[ContainerExiting](e.Data)
	case TypeResponseAborted:
		ev, err = unmarshal[ResponseAborted](e.Data)
	case TypeSessionStatus:
		ev, err = unmarshal[SessionStatus](e.Data)
	case TypeSessionError:
		ev, err = unmarshal[SessionError](e.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return ev, nil
}

func unmarshal[T Event](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
