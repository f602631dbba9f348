package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/harbor/internal/config"
	"github.com/nugget/harbor/internal/defaults"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: harbor") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"frobnicate"}, "unknown command"},
		{[]string{"--bogus"}, "unknown flag"},
		{[]string{"-o", "xml", "version"}, "unknown output format"},
		{[]string{"-config", "/nonexistent/harbor.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var text bytes.Buffer
	if err := run(context.Background(), &text, &text, []string{"version"}); err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text version missing go_version:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, &js, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("json version error: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("json version output invalid: %v\n%s", err, js.String())
	}
	if info["version"] == "" {
		t.Error("json version has no version field")
	}
}

func TestServe_RequiresBroker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harbor.yaml")
	if err := os.WriteFile(path, []byte("data_dir: "+filepath.Join(dir, "db")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", path, "serve"})
	if err == nil || !strings.Contains(err.Error(), "mqtt.broker") {
		t.Errorf("serve without broker = %v, want mqtt.broker error", err)
	}
}

func TestServe_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harbor.yaml")
	if err := os.WriteFile(path, []byte("sandbox:\n  runtime: podman\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config=" + path, "serve"})
	if err == nil || !strings.Contains(err.Error(), "sandbox.runtime") {
		t.Errorf("serve with bad runtime = %v, want sandbox.runtime error", err)
	}
}

func TestRunInit(t *testing.T) {
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })

	dir := t.TempDir()
	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit error: %v", err)
	}

	cfgPath := filepath.Join(dir, "harbor.yaml")
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("harbor.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("harbor.yaml permissions = %o, want 0600", got)
	}
	if st, err := os.Stat(filepath.Join(dir, "db")); err != nil || !st.IsDir() {
		t.Errorf("db directory not created: %v", err)
	}

	// A second run keeps user edits.
	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("second runInit error: %v", err)
	}
	got, _ := os.ReadFile(cfgPath)
	if string(got) != "log_level: debug\n" {
		t.Errorf("runInit overwrote existing config: %q", got)
	}
	if !strings.Contains(out.String(), "unchanged") {
		t.Errorf("second run output = %q, want unchanged notice", out.String())
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harbor.yaml")
	if err := os.WriteFile(path, defaults.ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(example) error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config invalid: %v", err)
	}
	if cfg.Profile("default") == nil {
		t.Error("example config has no default agent profile")
	}
}
