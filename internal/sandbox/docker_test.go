package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type scriptedRun struct {
	calls   [][]string
	replies map[string]runReply
}

type runReply struct {
	out string
	err error
}

func (s *scriptedRun) run(_ context.Context, args ...string) ([]byte, error) {
	s.calls = append(s.calls, args)
	r := s.replies[args[0]]
	return []byte(r.out), r.err
}

func newTestDocker(replies map[string]runReply) (*Docker, *scriptedRun) {
	d := NewDocker("harbor-", "agents", nil)
	sr := &scriptedRun{replies: replies}
	d.run = sr.run
	return d, sr
}

func TestDockerStart_Args(t *testing.T) {
	d, sr := newTestDocker(map[string]runReply{"run": {out: "abc123\n"}})

	h, err := d.start(context.Background(), Spec{
		SessionID: "s1",
		Image:     "agent:1",
		WorkDir:   "/workspace",
		Env:       map[string]string{"B": "2", "A": "1"},
		Labels:    map[string]string{LabelSession: "s1", LabelManaged: "true"},
	})
	if err != nil {
		t.Fatalf("start() error: %v", err)
	}
	if h.ID != "abc123" || h.Name != "harbor-s1" {
		t.Errorf("handle = %+v", h)
	}

	got := strings.Join(sr.calls[0], " ")
	want := "run -d --name harbor-s1 --label harbor.managed=true --label harbor.session=s1 " +
		"--network agents -w /workspace -e A=1 -e B=2 agent:1"
	if got != want {
		t.Errorf("args =\n  %s\nwant\n  %s", got, want)
	}
}

func TestDockerStart_PullFailure(t *testing.T) {
	d, _ := newTestDocker(map[string]runReply{"run": {
		out: "Unable to find image 'nope:1' locally\ndocker: Error response from daemon: pull access denied for nope",
		err: errors.New("exit status 125"),
	}})

	_, err := d.start(context.Background(), Spec{SessionID: "s1", Image: "nope:1"})
	var pe *PullError
	if !errors.As(err, &pe) {
		t.Fatalf("start() error = %v, want *PullError", err)
	}
	if pe.Image != "nope:1" || !strings.Contains(pe.Detail, "pull access denied") {
		t.Errorf("PullError = %+v", pe)
	}
}

func TestDockerStart_OtherFailure(t *testing.T) {
	d, _ := newTestDocker(map[string]runReply{"run": {
		out: "docker: Error response from daemon: Conflict. The container name is already in use",
		err: errors.New("exit status 125"),
	}})

	_, err := d.start(context.Background(), Spec{SessionID: "s1", Image: "agent:1"})
	var pe *PullError
	if err == nil || errors.As(err, &pe) {
		t.Errorf("start() error = %v, want non-pull failure", err)
	}
}

func TestDockerStop_NotFound(t *testing.T) {
	d, sr := newTestDocker(map[string]runReply{
		"kill": {out: "Error: No such container: abc", err: errors.New("exit status 1")},
		"rm":   {out: "Error: No such container: abc", err: errors.New("exit status 1")},
	})

	err := d.Stop(context.Background(), "abc")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Stop() error = %v, want ErrNotFound", err)
	}
	if len(sr.calls) != 2 || sr.calls[1][0] != "rm" {
		t.Errorf("calls = %v", sr.calls)
	}
}

func TestDockerList(t *testing.T) {
	d, _ := newTestDocker(map[string]runReply{"ps": {out: strings.Join([]string{
		"aaa\tharbor-s1\ts1\trunning",
		"bbb\tharbor-s2\ts2\texited",
		"ccc\tother-x\tx\trunning",
		"malformed",
	}, "\n")}})

	infos, err := d.List(context.Background(), "harbor-")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("List() = %+v, want 2 entries", infos)
	}
	if !infos[0].Running || infos[0].SessionID != "s1" {
		t.Errorf("infos[0] = %+v", infos[0])
	}
	if infos[1].Running {
		t.Errorf("exited container reported running: %+v", infos[1])
	}
}

func TestIsPullFailure(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"Error response from daemon: manifest unknown", true},
		{"failed to resolve reference \"x\"", true},
		{"invalid reference format: repository name must be lowercase", true},
		{"OCI runtime create failed", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isPullFailure(tt.output); got != tt.want {
			t.Errorf("isPullFailure(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}
