package chat

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/basinhq/basin/internal/api"
	"github.com/basinhq/basin/internal/event"
	"github.com/basinhq/basin/internal/logging"
)

// Coordinator owns conversation-identity transitions for one view (a
// tab or pane). Switching identities cancels the previous identity's
// in-flight initialization, releases its pool reference, and runs the
// new identity's ordered init. A stale load response arriving after a
// switch is discarded by the context re-checks inside Load and the
// trackers.
type Coordinator struct {
	pool    *Pool
	client  *api.Client
	bus     *event.Bus
	usage   *UsageTracker
	model   string
	timeout time.Duration

	mu         sync.Mutex
	active     string
	session    *Session
	cancelLoad context.CancelFunc
}

// CoordinatorConfig carries the coordinator's collaborators.
type CoordinatorConfig struct {
	Pool   *Pool
	Client *api.Client
	Bus    *event.Bus
	Model  string

	// StreamTimeout is handed to sessions the coordinator creates.
	StreamTimeout time.Duration
}

// NewCoordinator creates a coordinator with no active identity.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		pool:    cfg.Pool,
		client:  cfg.Client,
		bus:     cfg.Bus,
		usage:   NewUsageTracker(cfg.Client, cfg.Bus),
		model:   cfg.Model,
		timeout: cfg.StreamTimeout,
	}
}

// Active returns the currently bound identity, or "".
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Session returns the currently bound session, or nil.
func (c *Coordinator) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Activate binds the view to a conversation identity. An empty identity
// starts a fresh, unsaved conversation under a generated key. The
// previous identity's load is cancelled and its reference released
// before the new one is acquired — release-then-acquire, never skipped,
// or the old stream leaks. The new reference is bound before the load
// starts, so a still newer Activate can release it even while this
// load is in flight.
func (c *Coordinator) Activate(ctx context.Context, identity string) (*Session, error) {
	persisted := identity != ""
	if identity == "" {
		identity = ulid.Make().String()
	}

	c.mu.Lock()
	if identity == c.active {
		session := c.session
		c.mu.Unlock()
		return session, nil
	}

	if c.cancelLoad != nil {
		c.cancelLoad()
	}
	if c.active != "" {
		c.pool.Release(c.active)
	}

	session := c.pool.Acquire(identity, func() *Session {
		return NewSession(SessionConfig{
			ID:            identity,
			Model:         c.model,
			Persisted:     persisted,
			Client:        c.client,
			Bus:           c.bus,
			StreamTimeout: c.timeout,
		})
	})
	c.active = identity
	c.session = session

	loadCtx, cancel := context.WithCancel(ctx)
	c.cancelLoad = cancel
	c.mu.Unlock()

	if err := session.Load(loadCtx); err != nil {
		c.unbindAfterFailure(identity, loadCtx)
		return nil, err
	}
	if loadCtx.Err() != nil {
		return nil, loadCtx.Err()
	}

	// Usage and grants are best-effort; both re-check the context before
	// touching session state.
	c.usage.Refresh(loadCtx, session)
	if session.Persisted() {
		session.Ledger().LoadRemote(loadCtx, identity)
	}
	if loadCtx.Err() != nil {
		return nil, loadCtx.Err()
	}

	logging.Debug().Str("chatId", identity).Msg("conversation activated")
	return session, nil
}

// unbindAfterFailure rolls back a failed activation. If a newer
// Activate already rebound the coordinator, the reference was released
// by that call and there is nothing to undo.
func (c *Coordinator) unbindAfterFailure(identity string, loadCtx context.Context) {
	if loadCtx.Err() != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != identity {
		return
	}
	c.pool.Release(identity)
	c.active = ""
	c.session = nil
	c.cancelLoad = nil
}

// Deactivate releases the active identity, if any.
func (c *Coordinator) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelLoad != nil {
		c.cancelLoad()
		c.cancelLoad = nil
	}
	if c.active != "" {
		c.pool.Release(c.active)
		c.active = ""
		c.session = nil
	}
}
