package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(SessionStatus, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SessionStatus, Data: SessionStatusData{ChatID: "c1", Status: "streaming"}})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		require.Equal(t, SessionStatus, received.Type)
		data, ok := received.Data.(SessionStatusData)
		require.True(t, ok)
		assert.Equal(t, "c1", data.ChatID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
	})
	defer unsub()

	bus.PublishSync(Event{Type: MessageCreated})
	bus.PublishSync(Event{Type: PartUpdated})
	bus.PublishSync(Event{Type: UsageUpdated})

	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(PartUpdated, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: PartUpdated})
	unsub()
	bus.PublishSync(Event{Type: PartUpdated})

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestBus_PublishSyncOrdering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var deltas []string
	unsub := bus.Subscribe(PartUpdated, func(e Event) {
		deltas = append(deltas, e.Data.(PartUpdatedData).Delta)
	})
	defer unsub()

	bus.PublishSync(Event{Type: PartUpdated, Data: PartUpdatedData{Delta: "He"}})
	bus.PublishSync(Event{Type: PartUpdated, Data: PartUpdatedData{Delta: "llo"}})

	assert.Equal(t, []string{"He", "llo"}, deltas)
}

func TestBus_ClosedIsNoop(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())

	var count int32
	unsub := bus.Subscribe(SessionStatus, func(e Event) {
		atomic.AddInt32(&count, 1)
	})
	unsub()

	bus.PublishSync(Event{Type: SessionStatus})
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}
