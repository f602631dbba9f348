package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestFileTools(t *testing.T) (*FileTools, string) {
	t.Helper()
	dir := t.TempDir()
	return NewFileTools(dir, nil), dir
}

func TestFileTools_ResolvePath(t *testing.T) {
	ft, dir := newTestFileTools(t)

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"relative", "src/main.go", filepath.Join(dir, "src/main.go"), false},
		{"dot", ".", dir, false},
		{"absolute inside", filepath.Join(dir, "a.txt"), filepath.Join(dir, "a.txt"), false},
		{"clean inside", "src/../b.txt", filepath.Join(dir, "b.txt"), false},
		{"dotdot escape", "../etc/passwd", "", true},
		{"absolute outside", "/etc/passwd", "", true},
		{"dotdot-prefixed name", "..hidden", filepath.Join(dir, "..hidden"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ft.resolvePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolvePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("resolvePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestFileTools_WriteReadEdit(t *testing.T) {
	ft, dir := newTestFileTools(t)
	ctx := context.Background()

	if err := ft.Write(ctx, "pkg/deep/file.go", "package deep\n\nfunc A() {}\n"); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pkg/deep/file.go")); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	got, err := ft.Read(ctx, "pkg/deep/file.go", 0, 0)
	if err != nil || got != "package deep\n\nfunc A() {}\n" {
		t.Fatalf("Read() = %q, %v", got, err)
	}

	if err := ft.Edit(ctx, "pkg/deep/file.go", "func A() {}", "func B() {}"); err != nil {
		t.Fatalf("Edit() error: %v", err)
	}
	got, _ = ft.Read(ctx, "pkg/deep/file.go", 0, 0)
	if !strings.Contains(got, "func B() {}") || strings.Contains(got, "func A") {
		t.Errorf("after Edit = %q", got)
	}
}

func TestFileTools_ReadWindow(t *testing.T) {
	ft, _ := newTestFileTools(t)
	ctx := context.Background()
	ft.Write(ctx, "lines.txt", "l1\nl2\nl3\nl4\nl5")

	got, err := ft.Read(ctx, "lines.txt", 2, 2)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if got != "[Lines 2-3 of 5]\nl2\nl3" {
		t.Errorf("Read(2, 2) = %q", got)
	}

	if _, err := ft.Read(ctx, "lines.txt", 99, 0); err == nil {
		t.Error("expected error for offset beyond file")
	}
	if _, err := ft.Read(ctx, "missing.txt", 0, 0); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Read(missing) error = %v", err)
	}
}

func TestFileTools_EditErrors(t *testing.T) {
	ft, _ := newTestFileTools(t)
	ctx := context.Background()
	ft.Write(ctx, "dup.txt", "x = 1\nx = 1\n")

	tests := []struct {
		name, path, old, want string
	}{
		{"duplicate", "dup.txt", "x = 1", "2 times"},
		{"absent", "dup.txt", "y = 2", "not found"},
		{"empty", "dup.txt", "", "must not be empty"},
		{"missing file", "nope.txt", "x", "file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ft.Edit(ctx, tt.path, tt.old, "z")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Edit() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestFileTools_List(t *testing.T) {
	ft, dir := newTestFileTools(t)
	os.MkdirAll(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644)

	names, err := ft.List(context.Background(), ".")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "sub/" {
		t.Errorf("List() = %v", names)
	}
	if _, err := ft.List(context.Background(), "ghost"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestFileTools_Registered(t *testing.T) {
	ft, _ := newTestFileTools(t)
	r := NewRegistry()
	ft.Register(r)

	names := r.Names()
	want := []string{"file_edit", "file_list", "file_read", "file_write"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("Names() = %v, want %v", names, want)
	}

	ctx := context.Background()
	if _, err := r.Execute(ctx, "file_write", map[string]any{"path": "n.txt", "content": "hi"}); err != nil {
		t.Fatalf("file_write error: %v", err)
	}
	out, err := r.Execute(ctx, "file_list", map[string]any{})
	if err != nil || out != "n.txt" {
		t.Errorf("file_list = %q, %v", out, err)
	}

	disabled := NewRegistry()
	NewFileTools("", nil).Register(disabled)
	if len(disabled.Names()) != 0 {
		t.Error("disabled file tools registered")
	}
}
