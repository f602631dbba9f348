// Package commands defines the messages that drive sessions: per-session
// commands sent to a running sandbox, and lifecycle entries carried on
// the durable command log.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type names a per-session command.
type Type string

// Command types.
const (
	Message      Type = "message"
	Stop         Type = "stop"
	Abort        Type = "abort"
	UpdateModel  Type = "update_model"
	RefreshTools Type = "refresh_tools"
)

// Attachment is a file sent alongside a message. Images carry Data;
// text attachments carry Text.
type Attachment struct {
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data,omitempty"`
	Text      string `json:"text,omitempty"`
}

// IsImage reports whether the attachment is an image.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MediaType, "image/")
}

// Command is one instruction addressed to one session.
type Command struct {
	Type      Type   `json:"type"`
	Content   string `json:"content,omitempty"`
	Model     string `json:"model,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`
	// OutputSchema, when set, asks for a JSON result conforming to the
	// schema instead of free text.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	// SystemPrompt overrides the session's prompt for this and later
	// turns.
	SystemPrompt string `json:"system_prompt,omitempty"`
	// DisabledTools carries the agent's current disabled set on
	// refresh_tools.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// Validate checks that the command carries what its type requires.
func (c Command) Validate() error {
	switch c.Type {
	case Message:
		if strings.TrimSpace(c.Content) == "" && len(c.Attachments) == 0 {
			return errors.New("message command has no content")
		}
	case UpdateModel:
		if c.Model == "" {
			return errors.New("update_model command has no model")
		}
	case Stop, Abort, RefreshTools:
	case "":
		return errors.New("command has no type")
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	if len(c.OutputSchema) > 0 {
		var schema map[string]any
		if err := json.Unmarshal(c.OutputSchema, &schema); err != nil {
			return fmt.Errorf("output_schema must be a JSON object: %w", err)
		}
	}
	return nil
}

// Encode marshals a command for the bus.
func Encode(c Command) ([]byte, error) {
	return json.Marshal(c)
}

// Decode parses and validates a command.
func Decode(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// LifecycleEvent names a durable lifecycle entry.
type LifecycleEvent string

// Lifecycle events.
const (
	LifecycleStart       LifecycleEvent = "start"
	LifecycleStop        LifecycleEvent = "stop"
	LifecycleUpdateModel LifecycleEvent = "update_model"
)

// Session kinds.
const (
	KindChat = "chat"
	KindTask = "task"
)

// Lifecycle is one entry on the durable lifecycle stream.
type Lifecycle struct {
	Event       LifecycleEvent `json:"event"`
	SessionID   string         `json:"session_id"`
	AgentID     string         `json:"agent_id,omitempty"`
	Model       string         `json:"model,omitempty"`
	SessionType string         `json:"session_type,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Relay       *Relay         `json:"relay,omitempty"`
}

// Validate checks that the entry carries what its event requires.
func (l Lifecycle) Validate() error {
	if l.SessionID == "" {
		return errors.New("lifecycle entry has no session_id")
	}
	switch l.Event {
	case LifecycleStart:
		if l.AgentID == "" {
			return errors.New("start entry has no agent_id")
		}
		switch l.SessionType {
		case "", KindChat, KindTask:
		default:
			return fmt.Errorf("unknown session_type %q", l.SessionType)
		}
		if l.Relay != nil {
			return l.Relay.Validate()
		}
	case LifecycleStop:
	case LifecycleUpdateModel:
		if l.Model == "" {
			return errors.New("update_model entry has no model")
		}
	default:
		return fmt.Errorf("unknown lifecycle event %q", l.Event)
	}
	return nil
}

// EncodeLifecycle marshals a lifecycle entry.
func EncodeLifecycle(l Lifecycle) ([]byte, error) {
	return json.Marshal(l)
}

// DecodeLifecycle parses and validates a lifecycle entry.
func DecodeLifecycle(b []byte) (Lifecycle, error) {
	var l Lifecycle
	if err := json.Unmarshal(b, &l); err != nil {
		return Lifecycle{}, fmt.Errorf("decode lifecycle: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Lifecycle{}, err
	}
	return l, nil
}

// Relay chains sessions: each stage runs as its own session and, on
// explicit completion, hands its accumulated context to the next.
type Relay struct {
	ID      string  `json:"id"`
	Stages  []Stage `json:"stages"`
	Index   int     `json:"index"`
	Context string  `json:"context,omitempty"`
}

// Stage is one leg of a relay.
type Stage struct {
	AgentID string `json:"agent_id"`
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt"`
}

// Validate checks the relay's shape.
func (r *Relay) Validate() error {
	if r.ID == "" {
		return errors.New("relay has no id")
	}
	if len(r.Stages) == 0 {
		return errors.New("relay has no stages")
	}
	if r.Index < 0 || r.Index >= len(r.Stages) {
		return fmt.Errorf("relay index %d out of range [0,%d)", r.Index, len(r.Stages))
	}
	return nil
}

// Current returns the active stage.
func (r *Relay) Current() Stage {
	return r.Stages[r.Index]
}

// Last reports whether the active stage is the final one.
func (r *Relay) Last() bool {
	return r.Index == len(r.Stages)-1
}

// Next returns a copy advanced to the following stage with context
// appended to the carried context.
func (r *Relay) Next(context string) *Relay {
	next := *r
	next.Stages = append([]Stage(nil), r.Stages...)
	next.Index = r.Index + 1
	if next.Context == "" {
		next.Context = context
	} else if context != "" {
		next.Context = next.Context + "\n\n" + context
	}
	return &next
}

// StageSessionID derives the session id for stage index of relay id.
func StageSessionID(relayID string, index int) string {
	return fmt.Sprintf("%s-%d", relayID, index)
}
