package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory Runtime for tests. OnStart, when set, runs after
// a successful start; tests use it to play the sandbox side.
type Fake struct {
	PrefixName string
	StartErr   error
	OnStart    func(spec Spec, h Handle)

	mu      sync.Mutex
	seq     int
	live    map[string]Info
	started []Spec
	stopped []string
}

// NewFake creates an empty fake runtime.
func NewFake(prefix string) *Fake {
	return &Fake{PrefixName: prefix, live: make(map[string]Info)}
}

// Name implements Runtime.
func (f *Fake) Name(sessionID string) string { return f.PrefixName + sessionID }

// Prefix implements Runtime.
func (f *Fake) Prefix() string { return f.PrefixName }

func (f *Fake) start(_ context.Context, spec Spec) (Handle, error) {
	f.mu.Lock()
	if f.StartErr != nil {
		err := f.StartErr
		f.mu.Unlock()
		return Handle{}, err
	}
	f.seq++
	h := Handle{ID: fmt.Sprintf("fake-%d", f.seq), Name: f.Name(spec.SessionID)}
	f.live[h.ID] = Info{ID: h.ID, Name: h.Name, SessionID: spec.SessionID, Running: true}
	f.started = append(f.started, spec)
	onStart := f.OnStart
	f.mu.Unlock()

	if onStart != nil {
		onStart(spec, h)
	}
	return h, nil
}

// Adopt registers a sandbox as if started by an earlier process.
func (f *Fake) Adopt(id, sessionID string) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := Handle{ID: id, Name: f.Name(sessionID)}
	f.live[id] = Info{ID: id, Name: h.Name, SessionID: sessionID, Running: true}
	return h
}

// Stop implements Runtime.
func (f *Fake) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	delete(f.live, id)
	f.stopped = append(f.stopped, id)
	return nil
}

// StopByName implements Runtime.
func (f *Fake) StopByName(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, info := range f.live {
		if info.Name == name {
			delete(f.live, id)
			f.stopped = append(f.stopped, id)
			return nil
		}
	}
	return fmt.Errorf("%s: %w", name, ErrNotFound)
}

// List implements Runtime.
func (f *Fake) List(_ context.Context, prefix string) ([]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Info
	for _, info := range f.live {
		if strings.HasPrefix(info.Name, prefix) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Started returns the specs of every sandbox started.
func (f *Fake) Started() []Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Spec(nil), f.started...)
}

// Stopped returns the ids of every sandbox stopped.
func (f *Fake) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

// Live returns the number of sandboxes currently running.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}
