package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// runFunc executes the container CLI and returns its combined output.
type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// Docker runs sandboxes as containers through the docker CLI.
type Docker struct {
	binary  string
	prefix  string
	network string
	logger  *slog.Logger
	run     runFunc
}

// NewDocker creates a Docker runtime. Container names are prefix plus
// the session id.
func NewDocker(prefix, network string, logger *slog.Logger) *Docker {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Docker{binary: "docker", prefix: prefix, network: network, logger: logger}
	d.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, d.binary, args...).CombinedOutput()
	}
	return d
}

// Name implements Runtime.
func (d *Docker) Name(sessionID string) string { return d.prefix + sessionID }

// Prefix implements Runtime.
func (d *Docker) Prefix() string { return d.prefix }

func (d *Docker) start(ctx context.Context, spec Spec) (Handle, error) {
	name := d.Name(spec.SessionID)
	args := []string{"run", "-d", "--name", name}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	if d.network != "" {
		args = append(args, "--network", d.network)
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	for _, e := range spec.EnvList() {
		args = append(args, "-e", e)
	}
	args = append(args, spec.Image)

	d.logger.Debug("starting sandbox container", "name", name, "image", spec.Image, "session_id", spec.SessionID)
	out, err := d.run(ctx, args...)
	if err != nil {
		text := strings.TrimSpace(string(out))
		if isPullFailure(text) {
			return Handle{}, &PullError{Image: spec.Image, Detail: lastLine(text)}
		}
		return Handle{}, fmt.Errorf("docker run %s: %w: %s", name, err, lastLine(text))
	}

	id := lastLine(strings.TrimSpace(string(out)))
	if id == "" {
		return Handle{}, fmt.Errorf("docker run %s: no container id in output", name)
	}
	return Handle{ID: id, Name: name}, nil
}

// Stop implements Runtime.
func (d *Docker) Stop(ctx context.Context, id string) error {
	return d.remove(ctx, id)
}

// StopByName implements Runtime.
func (d *Docker) StopByName(ctx context.Context, name string) error {
	return d.remove(ctx, name)
}

func (d *Docker) remove(ctx context.Context, ref string) error {
	// kill fails for containers that already exited; rm -f handles both.
	_, _ = d.run(ctx, "kill", ref)
	out, err := d.run(ctx, "rm", "-f", ref)
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such container") {
			return fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return fmt.Errorf("docker rm %s: %w: %s", ref, err, text)
	}
	return nil
}

// List implements Runtime.
func (d *Docker) List(ctx context.Context, prefix string) ([]Info, error) {
	out, err := d.run(ctx, "ps", "-a",
		"--filter", "label="+LabelManaged+"=true",
		"--format", `{{.ID}}\t{{.Names}}\t{{.Label "`+LabelSession+`"}}\t{{.State}}`)
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w: %s", err, strings.TrimSpace(string(out)))
	}

	var infos []Info
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 4 || !strings.HasPrefix(fields[1], prefix) {
			continue
		}
		infos = append(infos, Info{
			ID:        fields[0],
			Name:      fields[1],
			SessionID: fields[2],
			Running:   fields[3] == "running",
		})
	}
	return infos, nil
}

var pullMarkers = []string{
	"pull access denied",
	"manifest unknown",
	"repository does not exist",
	"failed to resolve reference",
	"not found: manifest",
	"invalid reference format",
}

func isPullFailure(output string) bool {
	lower := strings.ToLower(output)
	for _, m := range pullMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
