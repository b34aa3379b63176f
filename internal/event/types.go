package event

import "github.com/basinhq/basin/pkg/types"

// Type identifies an event on the bus.
type Type string

const (
	SessionStatus      Type = "session.status"
	SessionCompacted   Type = "session.compacted"
	MessageCreated     Type = "message.created"
	MessageRemoved     Type = "message.removed"
	PartUpdated        Type = "part.updated"
	UsageUpdated       Type = "usage.updated"
	PermissionRequired Type = "permission.required"
)

// Event is one published event.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// SessionStatusData reports a session status transition.
type SessionStatusData struct {
	ChatID string `json:"chatId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MessageCreatedData reports a message appended to a session.
type MessageCreatedData struct {
	ChatID  string         `json:"chatId"`
	Message *types.Message `json:"message"`
}

// MessageRemovedData reports a message removed from a session
// (regenerate drops the trailing assistant message).
type MessageRemovedData struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// PartUpdatedData reports a streaming update to one part.
type PartUpdatedData struct {
	ChatID    string     `json:"chatId"`
	MessageID string     `json:"messageId"`
	Part      types.Part `json:"part"`
	Delta     string     `json:"delta,omitempty"`
}

// UsageUpdatedData carries a fresh usage snapshot.
type UsageUpdatedData struct {
	ChatID   string               `json:"chatId"`
	Snapshot *types.UsageSnapshot `json:"snapshot"`
}

// PermissionRequiredData reports that a tool call was blocked pending an
// edit grant for the named resource.
type PermissionRequiredData struct {
	ChatID string          `json:"chatId"`
	CallID string          `json:"callId"`
	Grant  types.EditGrant `json:"grant"`
}

// SessionCompactedData reports that the conversation history was
// compacted server-side and local state reconciled.
type SessionCompactedData struct {
	ChatID string `json:"chatId"`
}
