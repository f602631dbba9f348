// Package sandbox launches and stops the isolated processes that host
// agent sessions.
//
// Launch is two-phase. [Prepare] subscribes to the sandbox's event
// channel; only the returned [Prepared] value can start the sandbox.
// A runtime's start method is unexported, so no caller can start a
// sandbox whose first events would be published before anyone is
// listening.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nugget/harbor/internal/bus"
)

// Labels applied to every sandbox.
const (
	LabelSession = "harbor.session"
	LabelAgent   = "harbor.agent"
	LabelManaged = "harbor.managed"
)

// ErrNotFound is returned when the runtime has no sandbox by that id or
// name.
var ErrNotFound = errors.New("sandbox not found")

// Spec describes a sandbox to launch.
type Spec struct {
	SessionID string
	AgentID   string
	Image     string
	WorkDir   string
	Env       map[string]string
	Labels    map[string]string
}

// EnvList returns the environment as sorted KEY=VALUE strings.
func (s Spec) EnvList() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Handle identifies a launched sandbox. ID is the runtime's durable
// identifier; Name is derived from the session id and survives even
// when the id was never recorded.
type Handle struct {
	ID   string
	Name string
}

// Info describes a sandbox found by List.
type Info struct {
	ID        string
	Name      string
	SessionID string
	Running   bool
}

// PullError reports that the sandbox image could not be fetched.
type PullError struct {
	Image  string
	Detail string
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull image %s: %s", e.Image, e.Detail)
}

// Runtime creates and destroys sandboxes.
type Runtime interface {
	start(ctx context.Context, spec Spec) (Handle, error)

	// Stop destroys the sandbox with the given durable id.
	Stop(ctx context.Context, id string) error
	// StopByName destroys the sandbox with the given name.
	StopByName(ctx context.Context, name string) error
	// List returns every sandbox whose name starts with prefix.
	List(ctx context.Context, prefix string) ([]Info, error)
	// Name returns the sandbox name used for a session.
	Name(sessionID string) string
	// Prefix returns the name prefix of every sandbox this runtime
	// creates.
	Prefix() string
}

// Prepared holds a live event subscription for a sandbox that has not
// been started yet.
type Prepared struct {
	spec  Spec
	unsub bus.Unsubscribe
	once  sync.Once
}

// Prepare subscribes h to the sandbox event channel of spec's session.
func Prepare(ctx context.Context, ps bus.PubSub, spec Spec, h bus.Handler) (*Prepared, error) {
	if spec.SessionID == "" {
		return nil, errors.New("sandbox spec has no session id")
	}
	if spec.Image == "" {
		return nil, errors.New("sandbox spec has no image")
	}
	unsub, err := ps.Subscribe(ctx, bus.SandboxEvents(spec.SessionID), h)
	if err != nil {
		return nil, fmt.Errorf("subscribe sandbox events: %w", err)
	}
	return &Prepared{spec: spec, unsub: unsub}, nil
}

// Launch starts the sandbox. On failure the event subscription is
// released.
func (p *Prepared) Launch(ctx context.Context, rt Runtime) (*Instance, error) {
	spec := p.spec
	labels := map[string]string{
		LabelSession: spec.SessionID,
		LabelAgent:   spec.AgentID,
		LabelManaged: "true",
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	spec.Labels = labels

	h, err := rt.start(ctx, spec)
	if err != nil {
		p.Abandon(context.WithoutCancel(ctx))
		return nil, err
	}
	return &Instance{Handle: h, SessionID: spec.SessionID, rt: rt, unsub: p.unsub}, nil
}

// Abandon releases the subscription without launching.
func (p *Prepared) Abandon(ctx context.Context) error {
	var err error
	p.once.Do(func() { err = p.unsub(ctx) })
	return err
}

// Instance is a running sandbox and its event subscription.
type Instance struct {
	Handle
	SessionID string

	rt    Runtime
	unsub bus.Unsubscribe
}

// Stop releases the event subscription and destroys the sandbox. A
// sandbox the runtime no longer knows is treated as already stopped.
func (i *Instance) Stop(ctx context.Context) error {
	uerr := i.unsub(ctx)
	err := i.rt.Stop(ctx, i.ID)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("stop sandbox %s: %w", i.Name, err)
	}
	return uerr
}

// StopSandbox stops by durable id and falls back to the name when the
// id is empty or unknown. It returns ErrNotFound only when neither
// matched.
func StopSandbox(ctx context.Context, rt Runtime, id, sessionID string) error {
	if id != "" {
		err := rt.Stop(ctx, id)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return rt.StopByName(ctx, rt.Name(sessionID))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
