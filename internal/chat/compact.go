package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/basinhq/basin/internal/api"
	"github.com/basinhq/basin/internal/event"
	"github.com/basinhq/basin/internal/logging"
	"github.com/basinhq/basin/pkg/types"
)

// ErrNotCompactable is returned when usage has not reached the warning
// tier and force was not set.
var ErrNotCompactable = errors.New("context usage below compaction threshold")

// Compactor triggers server-side history summarization and reconciles
// local state afterwards. Compaction is user-triggered only:
// summarization is lossy and irreversible for the collapsed range, so
// the user decides, never a timer.
type Compactor struct {
	client *api.Client
	bus    *event.Bus
}

// NewCompactor creates a compactor.
func NewCompactor(client *api.Client, bus *event.Bus) *Compactor {
	return &Compactor{client: client, bus: bus}
}

// CanCompact reports whether the session's usage tier permits
// compaction (warning or above).
func (c *Compactor) CanCompact(session *Session) bool {
	snapshot := session.Usage()
	if snapshot == nil {
		return false
	}
	return snapshot.Tier() != types.TierHealthy
}

// Compact asks the backend to summarize the history prefix into a
// checkpoint, then re-fetches and re-derives the message list so the
// new checkpoint appears without duplicating history. After reconcile,
// every pre-compaction message is either still present unchanged or
// subsumed by exactly one checkpoint message.
func (c *Compactor) Compact(ctx context.Context, session *Session, force bool) error {
	if !session.Persisted() {
		return fmt.Errorf("compact %s: conversation not persisted", session.ID())
	}
	if !force && !c.CanCompact(session) {
		return ErrNotCompactable
	}

	result, err := c.client.Compact(ctx, session.ID(), force)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !result.Compacted {
		logging.Info().Str("chatId", session.ID()).Msg("backend declined to compact")
		return nil
	}

	detail, err := c.client.FetchConversation(ctx, session.ID())
	if err != nil {
		return fmt.Errorf("reconcile after compact: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	meta := make(map[string]types.MessageMeta)
	messages := Dedupe(NormalizeAll(detail.Messages, meta))
	session.replaceMessages(messages, meta)

	logging.Info().
		Str("chatId", session.ID()).
		Int("summarized", result.MessagesSummarized).
		Int("version", result.SummaryVersion).
		Msg("conversation compacted")

	c.bus.Publish(event.Event{Type: event.SessionCompacted, Data: event.SessionCompactedData{ChatID: session.ID()}})
	return nil
}
