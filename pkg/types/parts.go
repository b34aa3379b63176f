package types

import "encoding/json"

// Part is one typed fragment of message content.
type Part interface {
	PartType() string
	PartID() string
	// Clone returns an independent copy that shares no mutable state
	// with the receiver.
	Clone() Part
}

// Part type tags as they appear on the wire.
const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartToolCall   = "tool-call"
	PartCheckpoint = "checkpoint-metadata"
)

// Tool call lifecycle states.
const (
	ToolPending   = "pending"
	ToolStreaming = "streaming"
	ToolComplete  = "complete"
	ToolError     = "error"
)

// TextPart represents primary text content.
type TextPart struct {
	ID   string `json:"id"`
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

func (p *TextPart) PartType() string { return PartText }
func (p *TextPart) PartID() string   { return p.ID }

func (p *TextPart) Clone() Part {
	c := *p
	return &c
}

// ReasoningPart represents extended thinking content.
type ReasoningPart struct {
	ID   string `json:"id"`
	Type string `json:"type"` // always "reasoning"
	Text string `json:"text"`
}

func (p *ReasoningPart) PartType() string { return PartReasoning }
func (p *ReasoningPart) PartID() string   { return p.ID }

func (p *ReasoningPart) Clone() Part {
	c := *p
	return &c
}

// ToolPart represents a named tool invocation and its result.
// CallID is unique within the owning message and is the join key used to
// correlate a later permission grant/retry with the original attempt.
type ToolPart struct {
	ID     string           `json:"id"`
	Type   string           `json:"type"` // always "tool-call"
	CallID string           `json:"toolCallId"`
	Name   string           `json:"toolName"`
	Input  json.RawMessage  `json:"input,omitempty"`
	State  string           `json:"state"` // "pending" | "streaming" | "complete" | "error"
	Output *json.RawMessage `json:"output,omitempty"`
	Error  *string          `json:"error,omitempty"`
	Title  string           `json:"title,omitempty"`
}

func (p *ToolPart) PartType() string { return PartToolCall }
func (p *ToolPart) PartID() string   { return p.ID }

func (p *ToolPart) Clone() Part {
	c := *p
	if p.Input != nil {
		c.Input = append(json.RawMessage(nil), p.Input...)
	}
	if p.Output != nil {
		out := append(json.RawMessage(nil), (*p.Output)...)
		c.Output = &out
	}
	if p.Error != nil {
		e := *p.Error
		c.Error = &e
	}
	return &c
}

// CheckpointPart carries the metadata of a compaction checkpoint. The
// summary text it holds replaces the collapsed prefix of the history.
type CheckpointPart struct {
	ID                 string `json:"id"`
	Type               string `json:"type"` // always "checkpoint-metadata"
	Version            int    `json:"version"`
	MessagesSummarized int    `json:"messagesSummarized"`
	Summary            string `json:"summary"`
	Timestamp          string `json:"timestamp"`
}

func (p *CheckpointPart) PartType() string { return PartCheckpoint }
func (p *CheckpointPart) PartID() string   { return p.ID }

func (p *CheckpointPart) Clone() Part {
	c := *p
	return &c
}

// UnmarshalPart unmarshals a JSON part into the appropriate concrete type.
// Unknown part types decode as text so a newer backend never breaks the list.
func UnmarshalPart(data []byte) (Part, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Type {
	case PartReasoning:
		var p ReasoningPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case PartToolCall:
		var p ToolPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case PartCheckpoint:
		var p CheckpointPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}
}
