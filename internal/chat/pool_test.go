package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basinhq/basin/internal/api"
	"github.com/basinhq/basin/internal/backendtest"
	"github.com/basinhq/basin/internal/event"
)

func poolFactory(t *testing.T, backend *backendtest.Backend, id string) func() *Session {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	return func() *Session {
		return NewSession(SessionConfig{
			ID:     id,
			Client: api.NewClient(backend.URL()),
			Bus:    bus,
		})
	}
}

func TestPool_AcquireReusesLiveSession(t *testing.T) {
	backend := backendtest.New()
	defer backend.Close()

	pool := NewPool()
	factory := poolFactory(t, backend, "chat_a")

	first := pool.Acquire("chat_a", factory)
	second := pool.Acquire("chat_a", factory)

	assert.Same(t, first, second)
	assert.Equal(t, 2, pool.Refs("chat_a"))
}

func TestPool_NAcquiresNReleases(t *testing.T) {
	backend := backendtest.New()
	defer backend.Close()

	pool := NewPool()
	factory := poolFactory(t, backend, "chat_a")

	const n = 5
	for i := 0; i < n; i++ {
		pool.Acquire("chat_a", factory)
	}
	for i := 0; i < n-1; i++ {
		pool.Release("chat_a")
	}

	// M < N releases leave exactly one live entry.
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, 1, pool.Refs("chat_a"))

	pool.Release("chat_a")
	assert.Equal(t, 0, pool.Len())
}

func TestPool_ReleaseTearsDownAtZero(t *testing.T) {
	backend := backendtest.New()
	defer backend.Close()

	pool := NewPool()
	session := pool.Acquire("chat_a", poolFactory(t, backend, "chat_a"))
	pool.Release("chat_a")

	// The session was closed; further use is rejected.
	err := session.Submit(context.Background(), "hi")
	require.ErrorIs(t, err, ErrClosed)
}

func TestPool_ReleaseUnknownIsNoOp(t *testing.T) {
	pool := NewPool()
	pool.Release("never_acquired")
	pool.Release("never_acquired")
	assert.Equal(t, 0, pool.Len())
}

func TestPool_DoubleReleaseAbsorbed(t *testing.T) {
	backend := backendtest.New()
	defer backend.Close()

	pool := NewPool()
	pool.Acquire("chat_a", poolFactory(t, backend, "chat_a"))
	pool.Release("chat_a")
	pool.Release("chat_a") // duplicate teardown from unmount ordering races
	assert.Equal(t, 0, pool.Len())
}
