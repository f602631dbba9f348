package tools

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
)

// RemoteSource supplies tools from an external catalog. Implementations
// may cache; Invalidate drops any cache so the next Tools call
// refetches.
type RemoteSource interface {
	Tools(ctx context.Context) ([]*Tool, error)
	Invalidate()
}

// DisabledSource supplies the names an agent must not use.
type DisabledSource interface {
	Disabled(ctx context.Context) ([]string, error)
}

// Surface merges a static registry with a remote catalog and subtracts
// disabled names. The remote set and the disabled set are fetched
// lazily and kept until Invalidate; nothing is polled.
type Surface struct {
	static   *Registry
	remote   RemoteSource
	disabled DisabledSource
	logger   *slog.Logger

	mu             sync.Mutex
	remoteTools    []*Tool
	remoteLoaded   bool
	sourceDisabled map[string]bool
	disabledLoaded bool
	localDisabled  map[string]bool
}

// NewSurface creates a surface. remote and disabled may be nil.
func NewSurface(static *Registry, remote RemoteSource, disabled DisabledSource, logger *slog.Logger) *Surface {
	if static == nil {
		static = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		static:        static,
		remote:        remote,
		disabled:      disabled,
		logger:        logger,
		localDisabled: make(map[string]bool),
	}
}

// Disable hides names from every later snapshot. Disabling a name
// twice is the same as once. Snapshots already taken are unaffected.
func (s *Surface) Disable(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.localDisabled[n] = true
	}
}

// Invalidate drops the cached remote and disabled sets.
func (s *Surface) Invalidate() {
	s.mu.Lock()
	s.remoteLoaded = false
	s.remoteTools = nil
	s.disabledLoaded = false
	s.sourceDisabled = nil
	s.mu.Unlock()
	if s.remote != nil {
		s.remote.Invalidate()
	}
}

// Snapshot resolves the effective tool set. A remote or disabled-set
// fetch failure is logged and retried on the next snapshot; the
// snapshot proceeds with what is available.
func (s *Surface) Snapshot(ctx context.Context) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remote != nil && !s.remoteLoaded {
		remote, err := s.remote.Tools(ctx)
		if err != nil {
			s.logger.Warn("remote tool catalog unavailable", "error", err)
		} else {
			s.remoteTools, s.remoteLoaded = remote, true
		}
	}
	if s.disabled != nil && !s.disabledLoaded {
		names, err := s.disabled.Disabled(ctx)
		if err != nil {
			s.logger.Warn("disabled tool list unavailable", "error", err)
		} else {
			s.sourceDisabled = make(map[string]bool, len(names))
			for _, n := range names {
				s.sourceDisabled[n] = true
			}
			s.disabledLoaded = true
		}
	}

	set := make(map[string]*Tool)
	for _, t := range s.remoteTools {
		set[t.Name] = t
	}
	// Static tools win name collisions.
	for _, t := range s.static.Tools() {
		set[t.Name] = t
	}
	for n := range s.sourceDisabled {
		delete(set, n)
	}
	for n := range s.localDisabled {
		delete(set, n)
	}
	return newSnapshot(set)
}

// Snapshot is an immutable tool set for one turn.
type Snapshot struct {
	tools       map[string]*Tool
	names       []string
	fingerprint string
}

// NewSnapshot builds a snapshot from tools. Later tools replace earlier
// ones of the same name.
func NewSnapshot(tools ...*Tool) *Snapshot {
	set := make(map[string]*Tool, len(tools))
	for _, t := range tools {
		set[t.Name] = t
	}
	return newSnapshot(set)
}

func newSnapshot(set map[string]*Tool) *Snapshot {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)

	h := blake3.New()
	for _, n := range names {
		t := set[n]
		params, _ := json.Marshal(t.Parameters)
		h.Write([]byte(t.Name))
		h.Write([]byte{0})
		h.Write([]byte(t.Description))
		h.Write([]byte{0})
		h.Write(params)
		h.Write([]byte{0})
	}
	return &Snapshot{tools: set, names: names, fingerprint: hex.EncodeToString(h.Sum(nil))}
}

// With returns a new snapshot holding s's tools plus extra. Extra tools
// replace same-named ones.
func (s *Snapshot) With(extra ...*Tool) *Snapshot {
	set := make(map[string]*Tool, len(s.tools)+len(extra))
	for n, t := range s.tools {
		set[n] = t
	}
	for _, t := range extra {
		set[t.Name] = t
	}
	return newSnapshot(set)
}

// Get returns the named tool, or nil.
func (s *Snapshot) Get(name string) *Tool { return s.tools[name] }

// Has reports whether the snapshot contains name.
func (s *Snapshot) Has(name string) bool { return s.tools[name] != nil }

// Names returns the tool names, sorted.
func (s *Snapshot) Names() []string { return append([]string(nil), s.names...) }

// Len returns the number of tools.
func (s *Snapshot) Len() int { return len(s.names) }

// Fingerprint is a BLAKE3 digest over every tool's name, description
// and parameters. Equal fingerprints mean equal surfaces.
func (s *Snapshot) Fingerprint() string { return s.fingerprint }

// Tools returns the tools sorted by name.
func (s *Snapshot) Tools() []*Tool {
	out := make([]*Tool, len(s.names))
	for i, n := range s.names {
		out[i] = s.tools[n]
	}
	return out
}

// Definitions returns the LLM tool definitions, sorted by name.
func (s *Snapshot) Definitions() []map[string]any {
	out := make([]map[string]any, len(s.names))
	for i, n := range s.names {
		out[i] = s.tools[n].Definition()
	}
	return out
}

// Execute runs the named tool. Names outside the snapshot return
// *ErrToolUnavailable.
func (s *Snapshot) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t := s.tools[name]
	if t == nil || t.Handler == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	return t.Handler(ctx, args)
}
