package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basinhq/basin/internal/api"
	"github.com/basinhq/basin/internal/backendtest"
	"github.com/basinhq/basin/internal/event"
	"github.com/basinhq/basin/pkg/types"
)

func TestUsageTracker_Refresh(t *testing.T) {
	backend := backendtest.New()
	defer backend.Close()
	backend.SetUsage("chat_1", &types.UsageSnapshot{
		ChatID:        "chat_1",
		Percentage:    76.2,
		TokensUsed:    152400,
		ContextWindow: 200000,
	})

	session, bus := newTestSession(t, backend, "chat_1", true)
	tracker := NewUsageTracker(api.NewClient(backend.URL()), bus)

	var mu sync.Mutex
	var updates []event.UsageUpdatedData
	bus.Subscribe(event.UsageUpdated, func(ev event.Event) {
		mu.Lock()
		updates = append(updates, ev.Data.(event.UsageUpdatedData))
		mu.Unlock()
	})

	tracker.Refresh(context.Background(), session)

	snapshot := session.Usage()
	require.NotNil(t, snapshot)
	assert.Equal(t, 76.2, snapshot.Percentage)
	assert.Equal(t, types.TierWarning, snapshot.Tier())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestUsageTracker_NoOpForUnsaved(t *testing.T) {
	backend := backendtest.New()
	defer backend.Close()

	session, bus := newTestSession(t, backend, "chat_fresh", false)
	tracker := NewUsageTracker(api.NewClient(backend.URL()), bus)

	tracker.Refresh(context.Background(), session)
	assert.Nil(t, session.Usage())
}

func TestUsageTracker_FailureIsSwallowed(t *testing.T) {
	backend := backendtest.New()
	defer backend.Close()
	// No usage seeded: the endpoint 404s.

	session, bus := newTestSession(t, backend, "chat_1", true)
	tracker := NewUsageTracker(api.NewClient(backend.URL()), bus)

	tracker.Refresh(context.Background(), session)
	assert.Nil(t, session.Usage())
	assert.Equal(t, StatusReady, session.Status())
}
