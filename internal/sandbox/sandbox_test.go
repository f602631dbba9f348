package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/nugget/harbor/internal/bus"
)

func TestPrepareLaunch_SubscribedBeforeStart(t *testing.T) {
	ctx := context.Background()
	ps := bus.NewMemory()
	rt := NewFake("harbor-")

	// The fake plays the sandbox: its first event is published from
	// inside start, before Launch returns.
	rt.OnStart = func(spec Spec, h Handle) {
		ps.Publish(ctx, bus.SandboxEvents(spec.SessionID), []byte("ready"))
	}

	var got []string
	p, err := Prepare(ctx, ps, Spec{SessionID: "s1", AgentID: "coder", Image: "agent:latest"},
		func(_ string, payload []byte) { got = append(got, string(payload)) })
	if err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	inst, err := p.Launch(ctx, rt)
	if err != nil {
		t.Fatalf("Launch() error: %v", err)
	}

	if len(got) != 1 || got[0] != "ready" {
		t.Errorf("events seen = %v, want [ready]", got)
	}
	if inst.Name != "harbor-s1" || inst.SessionID != "s1" {
		t.Errorf("instance = %+v", inst)
	}

	started := rt.Started()
	if len(started) != 1 {
		t.Fatalf("started %d sandboxes, want 1", len(started))
	}
	labels := started[0].Labels
	if labels[LabelSession] != "s1" || labels[LabelAgent] != "coder" || labels[LabelManaged] != "true" {
		t.Errorf("labels = %v", labels)
	}

	if err := inst.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if n := ps.SubscriberCount(bus.SandboxEvents("s1")); n != 0 {
		t.Errorf("subscribers after Stop = %d, want 0", n)
	}
	if rt.Live() != 0 {
		t.Errorf("live sandboxes after Stop = %d", rt.Live())
	}
}

func TestLaunch_FailureReleasesSubscription(t *testing.T) {
	ctx := context.Background()
	ps := bus.NewMemory()
	rt := NewFake("harbor-")
	rt.StartErr = &PullError{Image: "missing:tag", Detail: "manifest unknown"}

	p, err := Prepare(ctx, ps, Spec{SessionID: "s1", Image: "missing:tag"}, func(string, []byte) {})
	if err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	_, err = p.Launch(ctx, rt)
	var pe *PullError
	if !errors.As(err, &pe) {
		t.Fatalf("Launch() error = %v, want *PullError", err)
	}
	if n := ps.SubscriberCount(bus.SandboxEvents("s1")); n != 0 {
		t.Errorf("subscribers after failed launch = %d, want 0", n)
	}
}

func TestPrepare_RejectsIncompleteSpec(t *testing.T) {
	ps := bus.NewMemory()
	tests := []struct {
		name string
		spec Spec
	}{
		{"no session", Spec{Image: "x"}},
		{"no image", Spec{SessionID: "s1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Prepare(context.Background(), ps, tt.spec, func(string, []byte) {}); err == nil {
				t.Error("Prepare() succeeded, want error")
			}
		})
	}
}

func TestStopSandbox_FallsBackToName(t *testing.T) {
	ctx := context.Background()
	rt := NewFake("harbor-")
	rt.Adopt("ctr-1", "s1")
	rt.Adopt("ctr-2", "s2")

	// Unknown id: the name derived from the session still matches.
	if err := StopSandbox(ctx, rt, "ctr-stale", "s1"); err != nil {
		t.Fatalf("StopSandbox(stale id) error: %v", err)
	}
	// No id recorded at all.
	if err := StopSandbox(ctx, rt, "", "s2"); err != nil {
		t.Fatalf("StopSandbox(no id) error: %v", err)
	}
	if rt.Live() != 0 {
		t.Errorf("live = %d, want 0", rt.Live())
	}

	err := StopSandbox(ctx, rt, "ctr-9", "s9")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("StopSandbox(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSpecEnvList_Sorted(t *testing.T) {
	s := Spec{Env: map[string]string{"B": "2", "A": "1", "C": "3"}}
	got := s.EnvList()
	want := []string{"A=1", "B=2", "C=3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("EnvList() = %v, want %v", got, want)
		}
	}
}
