package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseHandler(t *testing.T, events []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func collect(t *testing.T, stream *Stream) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestSendStream_TextDeltas(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"type":"text-start","id":"p1"}`,
		`{"type":"text-delta","id":"p1","delta":"He"}`,
		`{"type":"text-delta","id":"p1","delta":"llo"}`,
		`{"type":"text-end","id":"p1"}`,
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	stream, err := client.SendStream(context.Background(), SendRequest{ChatID: "chat_1"})
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.Len(t, events, 4)
	assert.Equal(t, EventTextStart, events[0].Type)
	assert.Equal(t, "He", events[1].Delta)
	assert.Equal(t, "llo", events[2].Delta)
	assert.Equal(t, EventTextEnd, events[3].Type)
}

func TestSendStream_ToolEvents(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"type":"tool-input-start","toolCallId":"c1","toolName":"update_document"}`,
		`{"type":"tool-input-delta","toolCallId":"c1","inputTextDelta":"{\"doc\":"}`,
		`{"type":"tool-input-available","toolCallId":"c1","toolName":"update_document","input":{"doc":"d1"}}`,
		`{"type":"tool-output-available","toolCallId":"c1","output":{"ok":true}}`,
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	stream, err := client.SendStream(context.Background(), SendRequest{ChatID: "chat_1"})
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.Len(t, events, 4)
	assert.Equal(t, "c1", events[0].ToolCallID)
	assert.Equal(t, "update_document", events[0].ToolName)
	assert.JSONEq(t, `{"doc":"d1"}`, string(events[2].Input))
	assert.JSONEq(t, `{"ok":true}`, string(events[3].Output))
}

func TestSendStream_CheckpointEvent(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{
		`{"type":"data-checkpoint","data":{"version":1,"messagesSummarized":8,"summary":"so far","timestamp":"2026-01-05T10:00:00Z"}}`,
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	stream, err := client.SendStream(context.Background(), SendRequest{ChatID: "chat_1"})
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, EventCheckpoint, events[0].Type)

	var data CheckpointData
	require.NoError(t, json.Unmarshal(events[0].Data, &data))
	assert.Equal(t, 8, data.MessagesSummarized)
	assert.Equal(t, "so far", data.Summary)
}

func TestSendStream_HeartbeatsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "data: {\"type\":\"text-delta\",\"delta\":\"x\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	stream, err := client.SendStream(context.Background(), SendRequest{ChatID: "chat_1"})
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].Delta)
}

func TestSendStream_TruncatedFinalEventDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"text-start\",\"id\":\"p1\"}\n\n")
		// The connection drops before the event terminator and the
		// [DONE] marker are written.
		fmt.Fprint(w, "data: {\"type\":\"text-delta\",\"id\":\"p1\",\"delta\":\"He\"}")
		flusher.Flush()
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	stream, err := client.SendStream(context.Background(), SendRequest{ChatID: "chat_1"})
	require.NoError(t, err)
	defer stream.Close()

	events := collect(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, EventTextStart, events[0].Type)
	assert.Equal(t, "He", events[1].Delta)
}

func TestSendStream_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.SendStream(context.Background(), SendRequest{ChatID: "chat_1"})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.True(t, statusErr.IsRateLimit())
}
