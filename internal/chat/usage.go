package chat

import (
	"context"

	"github.com/basinhq/basin/internal/api"
	"github.com/basinhq/basin/internal/event"
	"github.com/basinhq/basin/internal/logging"
)

// UsageTracker fetches context-window usage snapshots and attaches them
// to sessions. Usage is derived, never authoritative: a refresh failure
// degrades to "no readout" and never interrupts chat.
type UsageTracker struct {
	client *api.Client
	bus    *event.Bus
}

// NewUsageTracker creates a tracker.
func NewUsageTracker(client *api.Client, bus *event.Bus) *UsageTracker {
	return &UsageTracker{client: client, bus: bus}
}

// Refresh fetches the usage snapshot for a session's conversation.
// No-op for not-yet-persisted conversations: there is nothing to
// measure until the first exchange lands server-side.
func (t *UsageTracker) Refresh(ctx context.Context, session *Session) {
	if !session.Persisted() {
		return
	}

	snapshot, err := t.client.Usage(ctx, session.ID())
	if err != nil {
		logging.Debug().Str("chatId", session.ID()).Err(err).Msg("usage refresh failed")
		return
	}
	if ctx.Err() != nil {
		return
	}

	session.setUsage(snapshot)
	t.bus.Publish(event.Event{Type: event.UsageUpdated, Data: event.UsageUpdatedData{
		ChatID:   session.ID(),
		Snapshot: snapshot,
	}})
}
