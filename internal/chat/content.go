package chat

import (
	"encoding/json"
	"strings"
)

// PartType discriminates the structurally distinct shapes a message part can take.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeToolCall   PartType = "tool-call"
	PartTypeAttachment PartType = "attachment"
)

// Part is one element of a message's content.
//
// Exactly one payload group is populated, selected by Type. Unrecognized tags are
// coerced at the deserialization boundary, never propagated.
type Part struct {
	Type PartType `json:"type"`

	// Text payload (type == text).
	Text string `json:"text,omitempty"`

	// Tool invocation payload (type == tool-call).
	ToolName   string         `json:"toolName,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Args       map[string]any `json:"args,omitempty"`

	// Attachment reference payload (type == attachment).
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

func ToolCallPart(toolName string, toolCallID string, args map[string]any) Part {
	return Part{Type: PartTypeToolCall, ToolName: toolName, ToolCallID: toolCallID, Args: args}
}

// EncodeContent serializes parts to the single-string storage form.
//
// Encoding is not byte-stable across versions; the contract is that DecodeContent
// reconstructs an equivalent structured value for anything EncodeContent produced.
func EncodeContent(parts []Part) (string, error) {
	if len(parts) == 0 {
		return "", nil
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeContent parses the stored string form back into structured parts.
//
// Malformed payloads never fail a thread load: anything that does not parse as a
// part array is treated as one plain text part holding the raw string.
func DecodeContent(raw string) []Part {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if !strings.HasPrefix(strings.TrimSpace(raw), "[") {
		return []Part{TextPart(raw)}
	}

	var parts []Part
	if err := json.Unmarshal([]byte(raw), &parts); err != nil {
		return []Part{TextPart(raw)}
	}

	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case PartTypeText, PartTypeToolCall, PartTypeAttachment:
			out = append(out, p)
		default:
			// Unknown tag: keep any text it carried, drop the rest.
			if strings.TrimSpace(p.Text) != "" {
				out = append(out, TextPart(p.Text))
			}
		}
	}
	return out
}

// ContentText flattens the text parts of a content sequence into one string.
// Used for previews and title generation.
func ContentText(parts []Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Type != PartTypeText {
			continue
		}
		if sb.Len() > 0 && p.Text != "" {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return strings.TrimSpace(sb.String())
}
