package agentloop

import (
	"strings"
	"testing"
)

func TestTruncateOutputNoLimitHit(t *testing.T) {
	out, truncated := TruncateOutput("short output", DefaultTruncationConfig())
	if truncated {
		t.Error("expected no truncation")
	}
	if out != "short output" {
		t.Errorf("output modified: %q", out)
	}
}

func TestTruncateOutputCharLimit(t *testing.T) {
	input := strings.Repeat("x", 120)
	out, truncated := TruncateOutput(input, TruncationConfig{MaxChars: 100})
	if !truncated {
		t.Fatal("expected truncation")
	}
	if !strings.HasPrefix(out, strings.Repeat("x", 100)) {
		t.Error("expected the first 100 characters preserved")
	}
	if !strings.Contains(out, "20 characters truncated") {
		t.Errorf("expected elision marker, got %q", out)
	}
}

func TestTruncateOutputLineLimit(t *testing.T) {
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = "line"
	}
	out, truncated := TruncateOutput(strings.Join(lines, "\n"), TruncationConfig{MaxLines: 10})
	if !truncated {
		t.Fatal("expected truncation")
	}
	if !strings.Contains(out, "40 lines truncated") {
		t.Errorf("expected elision marker, got %q", out)
	}
	kept := strings.Count(out, "line")
	if kept < 10 {
		t.Errorf("expected 10 lines kept, got %d", kept)
	}
}

func TestTruncateOutputLinesBeforeChars(t *testing.T) {
	// 30 lines of 10 chars; line limit keeps 20, then char limit trims further.
	lines := make([]string, 30)
	for i := range lines {
		lines[i] = strings.Repeat("a", 10)
	}
	out, truncated := TruncateOutput(strings.Join(lines, "\n"), TruncationConfig{MaxChars: 50, MaxLines: 20})
	if !truncated {
		t.Fatal("expected truncation")
	}
	// The line marker survives intact even when the char limit also fires.
	if !strings.Contains(out, "... [10 lines truncated]") {
		t.Errorf("expected intact line marker, got %q", out)
	}
	if !strings.Contains(out, "... [169 characters truncated]") {
		t.Errorf("expected char marker counted against trimmed content, got %q", out)
	}
	content := out[:strings.Index(out, "\n... [")]
	if len(content) != 50 {
		t.Errorf("expected 50 content chars before the markers, got %d", len(content))
	}
}

func TestTruncateOutputZeroLimitsDisabled(t *testing.T) {
	input := strings.Repeat("y\n", 5000)
	out, truncated := TruncateOutput(input, TruncationConfig{})
	if truncated || out != input {
		t.Error("zero limits must disable truncation")
	}
}
