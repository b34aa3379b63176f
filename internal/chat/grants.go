package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/basinhq/basin/internal/api"
	"github.com/basinhq/basin/internal/logging"
	"github.com/basinhq/basin/pkg/types"
)

// Ledger tracks which external resources the assistant may modify in one
// conversation. Grants are additive for the conversation's lifetime:
// switching tabs never revokes them. Locally staged grants are flushed
// to the backend once the conversation first persists; each grant is
// written at most once.
type Ledger struct {
	client *api.Client

	mu     sync.Mutex
	grants map[string]types.EditGrant
	sent   map[string]bool
}

// NewLedger creates an empty ledger.
func NewLedger(client *api.Client) *Ledger {
	return &Ledger{
		client: client,
		grants: make(map[string]types.EditGrant),
		sent:   make(map[string]bool),
	}
}

// Add stages a grant. Idempotent union-insert; returns true if the
// grant was new.
func (l *Ledger) Add(grant types.EditGrant) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := grant.Key()
	if _, ok := l.grants[key]; ok {
		return false
	}
	l.grants[key] = grant
	return true
}

// Allowed reports whether a resource has a grant.
func (l *Ledger) Allowed(resourceType, resourceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.grants[resourceType+":"+resourceID]
	return ok
}

// Grants returns the current grant set.
func (l *Ledger) Grants() []types.EditGrant {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.EditGrant, 0, len(l.grants))
	for _, g := range l.grants {
		out = append(out, g)
	}
	return out
}

// LoadRemote merges the backend's persisted grants for a conversation
// into the ledger. Grants that came from the server need no flush. A
// load failure is transient: logged and swallowed, the ledger keeps its
// local view.
func (l *Ledger) LoadRemote(ctx context.Context, chatID string) {
	grants, err := l.client.ListGrants(ctx, chatID)
	if err != nil {
		logging.Debug().Str("chatId", chatID).Err(err).Msg("grant load failed")
		return
	}
	if ctx.Err() != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, g := range grants {
		key := g.Key()
		if _, ok := l.grants[key]; !ok {
			l.grants[key] = g
		}
		l.sent[key] = true
	}
}

// Flush persists staged grants that have not reached the backend yet.
// A write failure leaves the failed grant (and any after it) staged, so
// a retry completes the set; callers must not proceed with a
// permission-retry until Flush succeeds.
func (l *Ledger) Flush(ctx context.Context, chatID string) error {
	l.mu.Lock()
	pending := make([]types.EditGrant, 0, len(l.grants))
	for key, g := range l.grants {
		if !l.sent[key] {
			pending = append(pending, g)
		}
	}
	l.mu.Unlock()

	for _, grant := range pending {
		if err := l.client.AddGrant(ctx, chatID, grant); err != nil {
			return fmt.Errorf("flush grant %s: %w", grant.Key(), err)
		}
		l.mu.Lock()
		l.sent[grant.Key()] = true
		l.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
