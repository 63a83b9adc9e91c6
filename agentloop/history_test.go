package agentloop

import (
	"encoding/json"
	"testing"

	"github.com/martinemde/agentd/gateway"
	"github.com/martinemde/agentd/store"
)

func TestBuildHistoryBasicConversation(t *testing.T) {
	msgs := []*store.Message{
		{Role: store.RoleUser, Parts: []store.Part{store.TextPart("p1", "hello")}},
		{Role: store.RoleAssistant, Parts: []store.Part{store.TextPart("p2", "hi there")}},
	}

	history := BuildHistory(msgs)
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].Role != gateway.RoleUser || history[1].Role != gateway.RoleAssistant {
		t.Errorf("unexpected roles: %v, %v", history[0].Role, history[1].Role)
	}
}

func TestBuildHistoryWithholdsReasoning(t *testing.T) {
	msgs := []*store.Message{
		{Role: store.RoleAssistant, Parts: []store.Part{
			store.ReasoningPart("p1", "thinking hard"),
			store.TextPart("p2", "the answer"),
		}},
	}

	history := BuildHistory(msgs)
	if len(history) != 1 {
		t.Fatalf("expected 1 message, got %d", len(history))
	}
	if len(history[0].Content) != 1 {
		t.Fatalf("expected reasoning stripped, got %d parts", len(history[0].Content))
	}
	if history[0].Content[0].Text != "the answer" {
		t.Errorf("unexpected content: %+v", history[0].Content[0])
	}
}

func TestBuildHistoryToolFanOut(t *testing.T) {
	msgs := []*store.Message{
		{Role: store.RoleAssistant, Parts: []store.Part{
			store.ToolCallPart("p1", "glob", "call-1", json.RawMessage(`{"pattern":"*"}`)),
			store.ToolCallPart("p2", "shell", "call-2", json.RawMessage(`{"command":"ls"}`)),
		}},
		{Role: store.RoleTool, Parts: []store.Part{
			store.ToolResultPart("p3", "call-1", json.RawMessage(`"a.go"`), true),
			store.ToolResultPart("p4", "call-2", json.RawMessage(`"Error: denied"`), false),
		}},
	}

	history := BuildHistory(msgs)
	if len(history) != 3 {
		t.Fatalf("expected assistant plus 2 tool messages, got %d", len(history))
	}

	assistant := history[0]
	if len(assistant.Content) != 2 || assistant.Content[0].ToolCall == nil {
		t.Fatalf("expected 2 tool-call parts, got %+v", assistant.Content)
	}

	first, second := history[1], history[2]
	if first.ToolCallID != "call-1" || second.ToolCallID != "call-2" {
		t.Errorf("results must keep call pairing: %q, %q", first.ToolCallID, second.ToolCallID)
	}
	if second.Content[0].ToolResult == nil || !second.Content[0].ToolResult.IsError {
		t.Error("failed result must be marked as an error")
	}
}

func TestBuildHistorySkipsEmptyMessages(t *testing.T) {
	msgs := []*store.Message{
		{Role: store.RoleUser, Parts: nil},
		{Role: store.RoleAssistant, Parts: []store.Part{store.ReasoningPart("p1", "only thoughts")}},
		{Role: store.RoleUser, Parts: []store.Part{store.TextPart("p2", "real prompt")}},
	}

	history := BuildHistory(msgs)
	if len(history) != 1 {
		t.Fatalf("expected only the real prompt, got %d messages", len(history))
	}
	if history[0].Content[0].Text != "real prompt" {
		t.Errorf("unexpected content: %+v", history[0].Content[0])
	}
}

func TestBuildHistorySystemMarker(t *testing.T) {
	msgs := []*store.Message{
		{Role: store.RoleSystem, Parts: []store.Part{store.TextPart("p1", "The previous turn was cancelled by the user.")}},
	}

	history := BuildHistory(msgs)
	if len(history) != 1 || history[0].Role != gateway.RoleSystem {
		t.Fatalf("expected one system message, got %+v", history)
	}
}
