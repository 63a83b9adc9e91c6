package agentloop

import (
	"encoding/json"

	"github.com/martinemde/agentd/gateway"
	"github.com/martinemde/agentd/store"
)

// BuildHistory converts persisted session messages into the
// model-facing conversation. Reasoning parts are stored for replay but
// withheld from the model, and system marker messages (cancellation
// notices) are carried through as plain system text.
func BuildHistory(messages []*store.Message) []gateway.Message {
	history := make([]gateway.Message, 0, len(messages))
	for _, msg := range messages {
		converted, ok := convertMessage(msg)
		if ok {
			history = append(history, converted...)
		}
	}
	return history
}

// convertMessage maps one stored message onto zero or more gateway
// messages. Tool messages fan out to one message per result part so
// each result stays paired with its call ID.
func convertMessage(msg *store.Message) ([]gateway.Message, bool) {
	switch msg.Role {
	case store.RoleUser:
		text := collectText(msg.Parts)
		if text == "" {
			return nil, false
		}
		return []gateway.Message{gateway.UserMessage(text)}, true

	case store.RoleSystem:
		text := collectText(msg.Parts)
		if text == "" {
			return nil, false
		}
		return []gateway.Message{gateway.SystemMessage(text)}, true

	case store.RoleAssistant:
		var content []gateway.ContentPart
		for _, part := range msg.Parts {
			switch part.Type {
			case store.PartText:
				if part.Text != "" {
					content = append(content, gateway.TextPart(part.Text))
				}
			case store.PartReasoning:
				// Persisted for replay, not re-sent to the model.
			case store.PartToolCall:
				content = append(content, gateway.ToolCallPart(part.CallID, part.ToolName, part.Input))
			}
		}
		if len(content) == 0 {
			return nil, false
		}
		return []gateway.Message{{Role: gateway.RoleAssistant, Content: content}}, true

	case store.RoleTool:
		var out []gateway.Message
		for _, part := range msg.Parts {
			if part.Type != store.PartToolResult {
				continue
			}
			out = append(out, gateway.Message{
				Role:       gateway.RoleTool,
				Content:    []gateway.ContentPart{gateway.ToolResultPart(part.CallID, part.Output, !part.OK)},
				ToolCallID: part.CallID,
			})
		}
		return out, len(out) > 0

	default:
		return nil, false
	}
}

func collectText(parts []store.Part) string {
	var text string
	for _, part := range parts {
		if part.Type == store.PartText {
			text += part.Text
		}
	}
	return text
}

// resultContent encodes a tool output string as the JSON payload
// stored in a tool-result part.
func resultContent(output string) json.RawMessage {
	raw, _ := json.Marshal(output)
	return raw
}
