package tools

import (
	"context"
	"strings"
	"testing"
)

func TestCodeExec_WrapExposesOneEntrypoint(t *testing.T) {
	inner := NewSnapshot(echoTool("file_read"), echoTool("shell_exec"), echoTool("complete_task"))
	c := NewCodeExec()

	wrapped := c.Wrap(inner, "complete_task")
	names := wrapped.Names()
	if len(names) != 2 || names[0] != "complete_task" || names[1] != CodeExecToolName {
		t.Fatalf("wrapped names = %v", names)
	}
	desc := wrapped.Get(CodeExecToolName).Description
	if !strings.Contains(desc, "file_read") || !strings.Contains(desc, "(args: x)") {
		t.Errorf("catalog missing tools: %s", desc)
	}

	out, err := wrapped.Execute(context.Background(), CodeExecToolName, map[string]any{
		"script": "# read then run\nfile_read {\"x\": \"a.go\"}\n\nshell_exec {\"x\": \"ls\"}",
	})
	if err != nil {
		t.Fatalf("execute_code error: %v", err)
	}
	if !strings.Contains(out, "[1] file_read:\nfile_read:a.go") || !strings.Contains(out, "[2] shell_exec:\nshell_exec:ls") {
		t.Errorf("transcript = %q", out)
	}
}

func TestCodeExec_CatalogRebuiltOnlyOnChange(t *testing.T) {
	c := NewCodeExec()
	c.Wrap(NewSnapshot(echoTool("a")))
	c.Wrap(NewSnapshot(echoTool("a")))
	if c.Rebuilds() != 1 {
		t.Errorf("Rebuilds() = %d after identical surfaces, want 1", c.Rebuilds())
	}
	c.Wrap(NewSnapshot(echoTool("a"), echoTool("b")))
	if c.Rebuilds() != 2 {
		t.Errorf("Rebuilds() = %d after change, want 2", c.Rebuilds())
	}
}

func TestRunScript_StopsAtFirstError(t *testing.T) {
	inner := NewSnapshot(echoTool("a"))
	out, err := RunScript(context.Background(), inner, "a {}\nmissing {}\na {}")
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("error = %v", err)
	}
	if strings.Count(out, "a:") != 1 || !strings.Contains(out, "[2] missing: error") {
		t.Errorf("transcript = %q", out)
	}
}

func TestParseScript(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		want    int
		wantErr bool
	}{
		{"no args", "file_list", 1, false},
		{"comments and blanks", "# hi\n\nfile_list\nfile_read {\"path\":\"x\"}", 2, false},
		{"bad json", "file_read {path}", 0, true},
		{"array args", "file_read [1]", 0, true},
		{"empty", "  \n# nothing", 0, true},
		{"too many", strings.Repeat("a\n", maxScriptCalls+1), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls, err := ParseScript(tt.script)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseScript() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(calls) != tt.want {
				t.Errorf("ParseScript() = %d calls, want %d", len(calls), tt.want)
			}
		})
	}
}
