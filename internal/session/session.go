// Package session is the host-side orchestrator. It owns the registry
// of live sessions, launches a sandbox per session, gates turns so that
// only one runs at a time, normalizes the sandbox's raw events into the
// session event stream, and persists completed messages.
package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nugget/harbor/internal/bus"
	"github.com/nugget/harbor/internal/commands"
	"github.com/nugget/harbor/internal/metrics"
	"github.com/nugget/harbor/internal/sandbox"
	"github.com/nugget/harbor/internal/store"
)

var (
	// ErrNotFound is returned for a session that is not registered.
	ErrNotFound = errors.New("session not registered")
	// ErrNotReady is returned when a session cannot accept a turn.
	ErrNotReady = errors.New("session not ready")
	// ErrBusy is returned when a turn is already running. It matches
	// ErrNotReady under errors.Is.
	ErrBusy = busyError{}
	// ErrLaunchFailed wraps every start failure that was recorded in
	// the store and reported to observers. Retrying such a start is a
	// no-op.
	ErrLaunchFailed = errors.New("launch failed")
)

type busyError struct{}

func (busyError) Error() string        { return "session busy: a turn is already running" }
func (busyError) Is(target error) bool { return target == ErrNotReady }

// State is a registered session's position in its lifecycle.
type State string

// Session states. A session leaves the registry after stopping.
const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateBusy     State = "busy"
	StateStopping State = "stopping"
)

// Session is one registered session. All mutable fields are guarded by
// mu; emitMu orders the session's outbound event stream.
type Session struct {
	ID        string
	AgentID   string
	UserID    string
	Kind      string
	StartedAt time.Time

	mu           sync.Mutex
	state        State
	model        string
	instance     *sandbox.Instance
	relay        *commands.Relay
	lastActivity time.Time
	unsubCmds    bus.Unsubscribe

	// Current turn.
	messageID  string
	requestID  string
	output     strings.Builder
	thinking   strings.Builder
	toolCalls  []store.ToolCall
	toolStarts map[string]time.Time

	readyOnce sync.Once
	ready     chan struct{}
	exitOnce  sync.Once
	exited    chan struct{}

	emitMu sync.Mutex
}

func newSession(req StartRequest, now time.Time) *Session {
	return &Session{
		ID:           req.ID,
		AgentID:      req.AgentID,
		UserID:       req.UserID,
		Kind:         req.Kind,
		StartedAt:    now,
		state:        StateStarting,
		model:        req.Model,
		relay:        req.Relay,
		lastActivity: now,
		toolStarts:   make(map[string]time.Time),
		ready:        make(chan struct{}),
		exited:       make(chan struct{}),
	}
}

// setState moves the session to s. Caller holds mu.
func (s *Session) setState(m *metrics.Metrics, to State) {
	if s.state == to {
		return
	}
	m.SessionState(string(s.state), string(to))
	s.state = to
}

// resetTurn clears the per-turn accumulators. Caller holds mu.
func (s *Session) resetTurn() {
	s.messageID = ""
	s.requestID = ""
	s.output.Reset()
	s.thinking.Reset()
	s.toolCalls = nil
	clear(s.toolStarts)
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) markExited() {
	s.exitOnce.Do(func() { close(s.exited) })
}

// Snapshot is a point-in-time copy of a session's public state.
type Snapshot struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	UserID           string    `json:"user_id,omitempty"`
	Kind             string    `json:"session_type"`
	Model            string    `json:"model"`
	State            State     `json:"state"`
	SandboxID        string    `json:"sandbox_id,omitempty"`
	CurrentMessageID string    `json:"current_message_id,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// Snapshot returns the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:               s.ID,
		AgentID:          s.AgentID,
		UserID:           s.UserID,
		Kind:             s.Kind,
		Model:            s.model,
		State:            s.state,
		CurrentMessageID: s.messageID,
		StartedAt:        s.StartedAt,
		LastActivityAt:   s.lastActivity,
	}
	if s.instance != nil {
		snap.SandboxID = s.instance.ID
	}
	return snap
}

// Registry is the set of sessions live in this process. The lock is
// never held across I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns a registered session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// add registers s unless a session with its id already exists.
func (r *Registry) add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return false
	}
	r.sessions[s.ID] = s
	return true
}

// remove unregisters s if it is still the registered session for its
// id.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}
}

// List returns the registered sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
