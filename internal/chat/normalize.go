// Package chat implements the conversation core: message normalization,
// the streaming session state machine, the refcounted session pool, the
// tab-switch coordinator, usage tracking, compaction, and the edit
// permission ledger.
package chat

import (
	"fmt"
	"strconv"

	"github.com/basinhq/basin/pkg/types"
)

// Normalize converts one persisted record into a canonical Message.
//
// Records that already carry a structured parts array pass through
// unchanged; that path covers synthetic checkpoint messages. Legacy flat
// records synthesize parts in a fixed order: reasoning, primary text,
// then one tool-call part per recorded invocation. Message-level
// metadata (agent, provider, model) is recorded into meta as a side
// effect and never influences parts content.
func Normalize(raw types.RawMessage, meta map[string]types.MessageMeta) types.Message {
	if meta != nil && (raw.AgentID != "" || raw.Provider != "" || raw.Model != "") {
		meta[raw.ID] = types.MessageMeta{
			AgentID:  raw.AgentID,
			Provider: raw.Provider,
			Model:    raw.Model,
		}
	}

	msg := types.Message{
		ID:   raw.ID,
		Role: raw.Role,
		Time: raw.Timestamp,
	}

	if len(raw.Parts) > 0 {
		for _, rawPart := range raw.Parts {
			part, err := types.UnmarshalPart(rawPart)
			if err != nil {
				continue
			}
			msg.Parts = append(msg.Parts, part)
		}
		return msg
	}

	if raw.Reasoning != "" {
		msg.Parts = append(msg.Parts, &types.ReasoningPart{
			ID:   raw.ID + "_reasoning",
			Type: types.PartReasoning,
			Text: raw.Reasoning,
		})
	}
	if raw.Content != "" {
		msg.Parts = append(msg.Parts, &types.TextPart{
			ID:   raw.ID + "_text",
			Type: types.PartText,
			Text: raw.Content,
		})
	}
	for _, call := range raw.ToolCalls {
		callID := call.ToolCallID
		if callID == "" {
			callID = fallbackCallID(raw.ID, call.ToolName, call.Timestamp, raw.Timestamp)
		}
		part := &types.ToolPart{
			ID:     callID,
			Type:   types.PartToolCall,
			CallID: callID,
			Name:   call.ToolName,
			Input:  call.Arguments,
			State:  types.ToolComplete,
			Output: call.Result,
		}
		if call.Result == nil {
			part.State = types.ToolPending
		}
		msg.Parts = append(msg.Parts, part)
	}
	return msg
}

// fallbackCallID builds a deterministic identifier for legacy tool
// records persisted without one.
func fallbackCallID(messageID, toolName, callTimestamp string, messageTime int64) string {
	ts := callTimestamp
	if ts == "" {
		ts = strconv.FormatInt(messageTime, 10)
	}
	return fmt.Sprintf("%s_%s_%s", messageID, toolName, ts)
}

// NormalizeAll normalizes a fetched record list in order.
func NormalizeAll(raws []types.RawMessage, meta map[string]types.MessageMeta) []types.Message {
	out := make([]types.Message, 0, len(raws))
	for _, raw := range raws {
		out = append(out, Normalize(raw, meta))
	}
	return out
}

// Dedupe drops duplicate message IDs in a single left-to-right pass,
// keeping the first occurrence. Idempotent.
func Dedupe(messages []types.Message) []types.Message {
	seen := make(map[string]struct{}, len(messages))
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		seen[msg.ID] = struct{}{}
		out = append(out, msg)
	}
	return out
}
