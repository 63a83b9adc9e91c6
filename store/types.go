package store

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ErrSessionNotFound is returned when an operation references a session
// that does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrPartNotFound is returned when a part update references a part that
// does not exist.
var ErrPartNotFound = errors.New("part not found")

// DefaultSessionTitle is assigned to sessions created without a title.
const DefaultSessionTitle = "New Session"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Session is a single durable, resumable conversation thread.
type Session struct {
	UID       string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message belongs to exactly one session. Insertion order within a session
// is the conversation order.
type Message struct {
	UID       string
	Role      Role
	CreatedAt time.Time
	Parts     []Part
}

// PartType discriminates between part variants.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

// ToolCallState is the lifecycle state of a tool-call part.
type ToolCallState string

const (
	ToolCallPending   ToolCallState = "pending"
	ToolCallCompleted ToolCallState = "completed"
	ToolCallFailed    ToolCallState = "failed"
)

// Part is the smallest persisted unit within a message. The populated
// fields depend on Type: Text for text/reasoning, ToolName/CallID/Input/
// State for tool-call, CallID/Output/OK for tool-result. A tool-call's
// State is the only field mutated after insert.
type Part struct {
	UID      string
	Type     PartType
	Text     string
	ToolName string
	CallID   string
	Input    json.RawMessage
	Output   json.RawMessage
	State    ToolCallState
	OK       bool
}

// TextPart builds a text part.
func TextPart(uid, text string) Part {
	return Part{UID: uid, Type: PartText, Text: text}
}

// ReasoningPart builds a reasoning part.
func ReasoningPart(uid, text string) Part {
	return Part{UID: uid, Type: PartReasoning, Text: text}
}

// ToolCallPart builds a pending tool-call part.
func ToolCallPart(uid, toolName, callID string, input json.RawMessage) Part {
	return Part{
		UID:      uid,
		Type:     PartToolCall,
		ToolName: toolName,
		CallID:   callID,
		Input:    input,
		State:    ToolCallPending,
	}
}

// ToolResultPart builds a tool-result part referencing an earlier call.
func ToolResultPart(uid, callID string, output json.RawMessage, ok bool) Part {
	return Part{UID: uid, Type: PartToolResult, CallID: callID, Output: output, OK: ok}
}

// UpdatePart carries the mutation accepted by Store.UpdatePart. Only
// tool-call state transitions are allowed post-insert.
type UpdatePart struct {
	SessionUID string
	MessageUID string
	PartUID    string
	State      ToolCallState
}

// UpdateSession carries the mutable session fields.
type UpdateSession struct {
	UID   string
	Title *string
}
