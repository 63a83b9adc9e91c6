package agentloop

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func builtinFixture(t *testing.T) (*ToolRegistry, ToolContext) {
	t.Helper()
	registry := NewToolRegistry()
	RegisterBuiltinTools(registry)
	tc := ToolContext{
		SessionUID: "s-test",
		Env:        NewLocalEnvironment(t.TempDir()),
	}
	return registry, tc
}

func runBuiltin(t *testing.T, registry *ToolRegistry, tc ToolContext, name, args string) (string, error) {
	t.Helper()
	tool := registry.Get(name)
	if tool == nil {
		t.Fatalf("tool %s not registered", name)
	}
	return tool.Executor(context.Background(), json.RawMessage(args), tc)
}

func TestRegisterBuiltinTools(t *testing.T) {
	registry := NewToolRegistry()
	RegisterBuiltinTools(registry)

	for _, name := range []string{"read_file", "write_file", "edit_file", "shell", "grep", "glob"} {
		if registry.Get(name) == nil {
			t.Errorf("expected %s to be registered", name)
		}
	}
	if registry.Count() != 6 {
		t.Errorf("expected 6 tools, got %d", registry.Count())
	}
}

func TestReadFileTool(t *testing.T) {
	registry, tc := builtinFixture(t)
	path := filepath.Join(tc.Env.WorkingDirectory(), "notes.txt")
	if err := os.WriteFile(path, []byte("alpha\nbeta\ngamma"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runBuiltin(t, registry, tc, "read_file", `{"path": "notes.txt"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "1\talpha") || !strings.Contains(out, "3\tgamma") {
		t.Errorf("expected numbered lines, got %q", out)
	}

	out, err = runBuiltin(t, registry, tc, "read_file", `{"path": "notes.txt", "offset": 2, "limit": 1}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(out, "alpha") || !strings.Contains(out, "2\tbeta") || strings.Contains(out, "gamma") {
		t.Errorf("expected only line 2, got %q", out)
	}

	if _, err := runBuiltin(t, registry, tc, "read_file", `{"path": "missing.txt"}`); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := runBuiltin(t, registry, tc, "read_file", `{}`); err == nil {
		t.Error("expected error for missing path argument")
	}
}

func TestNumberLines(t *testing.T) {
	out := numberLines("a\nb\nc", 0, 0)
	want := "     1\ta\n     2\tb\n     3\tc\n"
	if out != want {
		t.Errorf("numberLines = %q, want %q", out, want)
	}
	if numberLines("a\nb", 5, 0) != "" {
		t.Error("offset past end should return empty")
	}
}

func TestWriteFileTool(t *testing.T) {
	registry, tc := builtinFixture(t)

	out, err := runBuiltin(t, registry, tc, "write_file", `{"path": "sub/dir/out.txt", "content": "hello"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "5 bytes") {
		t.Errorf("unexpected output: %q", out)
	}

	data, err := os.ReadFile(filepath.Join(tc.Env.WorkingDirectory(), "sub", "dir", "out.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("unexpected content: %q", data)
	}
}

func TestEditFileTool(t *testing.T) {
	registry, tc := builtinFixture(t)
	path := filepath.Join(tc.Env.WorkingDirectory(), "code.go")
	if err := os.WriteFile(path, []byte("foo bar foo"), 0o644); err != nil {
		t.Fatal(err)
	}

	// An ambiguous match is refused without replace_all.
	_, err := runBuiltin(t, registry, tc, "edit_file", `{"path": "code.go", "old_string": "foo", "new_string": "baz"}`)
	if err == nil || !strings.Contains(err.Error(), "2 times") {
		t.Errorf("expected ambiguity error, got %v", err)
	}

	if _, err := runBuiltin(t, registry, tc, "edit_file", `{"path": "code.go", "old_string": "bar", "new_string": "qux"}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "foo qux foo" {
		t.Errorf("unexpected content after edit: %q", data)
	}

	if _, err := runBuiltin(t, registry, tc, "edit_file", `{"path": "code.go", "old_string": "foo", "new_string": "baz", "replace_all": true}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "baz qux baz" {
		t.Errorf("unexpected content after replace_all: %q", data)
	}

	if _, err := runBuiltin(t, registry, tc, "edit_file", `{"path": "code.go", "old_string": "absent", "new_string": "x"}`); err == nil {
		t.Error("expected error for missing old_string")
	}
	if _, err := runBuiltin(t, registry, tc, "edit_file", `{"path": "code.go", "old_string": "same", "new_string": "same"}`); err == nil {
		t.Error("expected error for identical strings")
	}
}

func TestShellTool(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell assertions assume a POSIX shell")
	}
	registry, tc := builtinFixture(t)

	out, err := runBuiltin(t, registry, tc, "shell", `{"command": "echo hello"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("unexpected output: %q", out)
	}

	out, err = runBuiltin(t, registry, tc, "shell", `{"command": "true"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "(no output)" {
		t.Errorf("expected placeholder for empty output, got %q", out)
	}

	_, err = runBuiltin(t, registry, tc, "shell", `{"command": "exit 3"}`)
	if err == nil || !strings.Contains(err.Error(), "code 3") {
		t.Errorf("expected exit-code error, got %v", err)
	}

	_, err = runBuiltin(t, registry, tc, "shell", `{"command": "sleep 5", "timeout_seconds": 1}`)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestShellToolRunsInWorkingDirectory(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell assertions assume a POSIX shell")
	}
	registry, tc := builtinFixture(t)

	out, err := runBuiltin(t, registry, tc, "shell", `{"command": "pwd"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resolved, _ := filepath.EvalSymlinks(tc.Env.WorkingDirectory())
	if strings.TrimSpace(out) != resolved && strings.TrimSpace(out) != tc.Env.WorkingDirectory() {
		t.Errorf("expected pwd %q, got %q", tc.Env.WorkingDirectory(), out)
	}
}

func TestGlobTool(t *testing.T) {
	registry, tc := builtinFixture(t)
	dir := tc.Env.WorkingDirectory()
	for _, name := range []string{"a.ts", "b.ts", "c.go"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out, err := runBuiltin(t, registry, tc, "glob", `{"pattern": "*.ts"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "a.ts") || !strings.Contains(out, "b.ts") || strings.Contains(out, "c.go") {
		t.Errorf("unexpected matches: %q", out)
	}

	out, err = runBuiltin(t, registry, tc, "glob", `{"pattern": "*.rs"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "No files found" {
		t.Errorf("expected no-files placeholder, got %q", out)
	}
}

func TestGrepTool(t *testing.T) {
	registry, tc := builtinFixture(t)
	dir := tc.Env.WorkingDirectory()
	if err := os.WriteFile(filepath.Join(dir, "log.txt"), []byte("info: started\nerror: boom\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runBuiltin(t, registry, tc, "grep", `{"pattern": "error"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "boom") {
		t.Errorf("expected matching line, got %q", out)
	}

	out, err = runBuiltin(t, registry, tc, "grep", `{"pattern": "no-such-token"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "No matches found" {
		t.Errorf("expected no-matches placeholder, got %q", out)
	}
}

func TestExecCommandFiltersSensitiveEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("env assertions assume a POSIX shell")
	}
	t.Setenv("AGENTD_TEST_API_KEY", "supersecret")
	t.Setenv("AGENTD_TEST_PLAIN", "visible")

	env := NewLocalEnvironment(t.TempDir())
	result, err := env.ExecCommand(context.Background(), "env", 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(result.Stdout, "supersecret") {
		t.Error("sensitive variable leaked into the subprocess")
	}
	if !strings.Contains(result.Stdout, "AGENTD_TEST_PLAIN=visible") {
		t.Error("plain variable should pass through")
	}
}

func TestExecResultOutput(t *testing.T) {
	if got := (ExecResult{Stdout: "out"}).Output(); got != "out" {
		t.Errorf("stdout only: %q", got)
	}
	if got := (ExecResult{Stderr: "err"}).Output(); got != "err" {
		t.Errorf("stderr only: %q", got)
	}
	if got := (ExecResult{Stdout: "out", Stderr: "err"}).Output(); got != "out\nerr" {
		t.Errorf("combined: %q", got)
	}
}
