// Package types defines the shared data model for the chat core.
package types

import "encoding/json"

// Message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleCheckpoint = "checkpoint"
)

// Message is a normalized conversation message: one ordered list of typed
// content parts. No two messages in a rendered list share an ID.
type Message struct {
	ID    string `json:"id"`
	Role  string `json:"role"` // "user" | "assistant" | "checkpoint"
	Parts []Part `json:"parts"`
	Time  int64  `json:"timestamp,omitempty"` // unix millis
}

// UnmarshalJSON decodes the parts list through the tagged-union decoder.
func (m *Message) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID    string            `json:"id"`
		Role  string            `json:"role"`
		Parts []json.RawMessage `json:"parts"`
		Time  int64             `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.ID = aux.ID
	m.Role = aux.Role
	m.Time = aux.Time
	m.Parts = nil
	for _, raw := range aux.Parts {
		part, err := UnmarshalPart(raw)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, part)
	}
	return nil
}

// Text returns the concatenated text content of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(*TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// Clone returns a deep copy: the parts are cloned, so mutating the
// original afterwards never shows through the copy.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p.Clone()
		}
	}
	return out
}

// IsCheckpoint reports whether this is a synthetic compaction message.
func (m *Message) IsCheckpoint() bool { return m.Role == RoleCheckpoint }

// RawMessage is a persisted message record as the backend returns it.
// Older conversations carry flat fields (content, reasoning, tool_calls);
// newer ones and synthetic checkpoints carry a structured parts array.
type RawMessage struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Model     string            `json:"model,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	AgentID   string            `json:"agentId,omitempty"`
	Reasoning string            `json:"reasoning,omitempty"`
	ToolCalls []ToolCallRecord  `json:"tool_calls,omitempty"`
	Parts     []json.RawMessage `json:"parts,omitempty"`
}

// ToolCallRecord is a legacy flat-format tool invocation record.
type ToolCallRecord struct {
	ToolName   string           `json:"tool_name"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Arguments  json.RawMessage  `json:"arguments,omitempty"`
	Result     *json.RawMessage `json:"result,omitempty"`
	Timestamp  string           `json:"timestamp,omitempty"`
}

// MessageMeta is display-only metadata recorded per message ID during
// normalization. It never affects parts content.
type MessageMeta struct {
	AgentID  string `json:"agentId,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Conversation is the metadata envelope of a persisted conversation.
type Conversation struct {
	ID             string `json:"conversation_id"`
	Title          string `json:"title"`
	MessageCount   int    `json:"message_count"`
	Model          string `json:"model,omitempty"`
	Provider       string `json:"provider,omitempty"`
	FirstMessageAt int64  `json:"first_message_at,omitempty"`
	LastMessageAt  int64  `json:"last_message_at,omitempty"`
}
