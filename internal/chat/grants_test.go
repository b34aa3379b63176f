package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basinhq/basin/internal/api"
	"github.com/basinhq/basin/internal/backendtest"
	"github.com/basinhq/basin/pkg/types"
)

func TestLedger_AddIsIdempotent(t *testing.T) {
	ledger := NewLedger(nil)
	grant := types.EditGrant{ResourceType: "page", ResourceID: "p1", Title: "Journal"}

	assert.True(t, ledger.Add(grant))
	assert.False(t, ledger.Add(grant))
	assert.Len(t, ledger.Grants(), 1)
	assert.True(t, ledger.Allowed("page", "p1"))
	assert.False(t, ledger.Allowed("page", "p2"))
}

func TestLedger_FlushWritesEachGrantOnce(t *testing.T) {
	backend := backendtest.New()
	defer backend.Close()

	ledger := NewLedger(api.NewClient(backend.URL()))
	ledger.Add(types.EditGrant{ResourceType: "page", ResourceID: "p1"})
	ledger.Add(types.EditGrant{ResourceType: "folder", ResourceID: "f1"})

	require.NoError(t, ledger.Flush(context.Background(), "chat_1"))
	assert.Len(t, backend.Grants("chat_1"), 2)

	// Flushing again writes nothing new.
	require.NoError(t, ledger.Flush(context.Background(), "chat_1"))
	assert.Len(t, backend.Grants("chat_1"), 2)

	// A grant added later is picked up by the next flush.
	ledger.Add(types.EditGrant{ResourceType: "page", ResourceID: "p2"})
	require.NoError(t, ledger.Flush(context.Background(), "chat_1"))
	assert.Len(t, backend.Grants("chat_1"), 3)
}

func TestLedger_FlushFailureKeepsGrantStaged(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ledger := NewLedger(api.NewClient(srv.URL))
	ledger.Add(types.EditGrant{ResourceType: "page", ResourceID: "p1"})

	require.Error(t, ledger.Flush(context.Background(), "chat_1"))

	// The retry completes the set.
	require.NoError(t, ledger.Flush(context.Background(), "chat_1"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestLedger_LoadRemoteMergesWithoutReflush(t *testing.T) {
	backend := backendtest.New()
	defer backend.Close()

	client := api.NewClient(backend.URL())
	require.NoError(t, client.AddGrant(context.Background(), "chat_1",
		types.EditGrant{ResourceType: "page", ResourceID: "p1", Title: "Journal"}))

	ledger := NewLedger(client)
	ledger.LoadRemote(context.Background(), "chat_1")

	assert.True(t, ledger.Allowed("page", "p1"))

	// Server-sourced grants do not need flushing again.
	require.NoError(t, ledger.Flush(context.Background(), "chat_1"))
	assert.Len(t, backend.Grants("chat_1"), 1)
}
