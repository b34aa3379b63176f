// Package backendtest provides a scriptable fake workspace backend for
// exercising the chat core end to end: conversation fetch, SSE chat
// streaming, usage, compaction, cancellation, and permission grants.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/basinhq/basin/pkg/types"
)

// Step is one scripted element of an SSE chat response. If Wait is
// non-nil the backend blocks until it is closed before emitting Event;
// a Step with an empty Event is a pure synchronization point.
type Step struct {
	Event string
	Wait  <-chan struct{}
}

// Events wraps raw JSON payloads as consecutive steps.
func Events(payloads ...string) []Step {
	steps := make([]Step, len(payloads))
	for i, p := range payloads {
		steps[i] = Step{Event: p}
	}
	return steps
}

// TextStream scripts a minimal text response streamed in the given
// deltas.
func TextStream(partID string, deltas ...string) []Step {
	steps := []Step{{Event: fmt.Sprintf(`{"type":"text-start","id":%q}`, partID)}}
	for _, d := range deltas {
		steps = append(steps, Step{Event: fmt.Sprintf(`{"type":"text-delta","id":%q,"delta":%q}`, partID, d)})
	}
	return append(steps, Step{Event: fmt.Sprintf(`{"type":"text-end","id":%q}`, partID)})
}

// SendRecord captures one streaming send request.
type SendRecord struct {
	ChatID   string          `json:"id"`
	Model    string          `json:"model"`
	Messages []types.Message `json:"messages"`
}

// CompactScript configures the compact endpoint's behavior for a chat:
// the acknowledgement to return and the message list the conversation
// is rewritten to.
type CompactScript struct {
	Result   map[string]any
	Messages []types.RawMessage
}

// Backend is the fake workspace backend. All endpoints mirror the real
// backend's shapes; behavior per chat is driven by scripts.
type Backend struct {
	server *httptest.Server

	mu            sync.Mutex
	conversations map[string]types.Conversation
	messages      map[string][]types.RawMessage
	usage         map[string]*types.UsageSnapshot
	grants        map[string][]types.EditGrant
	scripts       map[string][][]Step
	compacts      map[string]CompactScript
	sends         []SendRecord
	cancels       []string
	failStreams   map[string]int // chatID -> HTTP status to fail next stream with
}

// New starts a fake backend. Callers must Close it.
func New() *Backend {
	b := &Backend{
		conversations: make(map[string]types.Conversation),
		messages:      make(map[string][]types.RawMessage),
		usage:         make(map[string]*types.UsageSnapshot),
		grants:        make(map[string][]types.EditGrant),
		scripts:       make(map[string][][]Step),
		compacts:      make(map[string]CompactScript),
		failStreams:   make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
	}))

	r.Get("/api/chats/{chatID}", b.handleFetch)
	r.Get("/api/chats/{chatID}/usage", b.handleUsage)
	r.Post("/api/chats/{chatID}/compact", b.handleCompact)
	r.Get("/api/chats/{chatID}/permissions", b.handleListGrants)
	r.Post("/api/chats/{chatID}/permissions", b.handleAddGrant)
	r.Post("/api/chat", b.handleChat)
	r.Post("/api/chat/cancel", b.handleCancel)

	b.server = httptest.NewServer(r)
	return b
}

// URL returns the backend's base URL.
func (b *Backend) URL() string { return b.server.URL }

// Close shuts the backend down.
func (b *Backend) Close() { b.server.Close() }

// SeedConversation installs a persisted conversation and its records.
func (b *Backend) SeedConversation(conv types.Conversation, messages []types.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[conv.ID] = conv
	b.messages[conv.ID] = messages
}

// SetUsage installs the usage snapshot returned for a chat.
func (b *Backend) SetUsage(chatID string, snapshot *types.UsageSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usage[chatID] = snapshot
}

// ScriptStream queues one scripted SSE response for a chat. Responses
// are consumed in FIFO order per chat.
func (b *Backend) ScriptStream(chatID string, steps []Step) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[chatID] = append(b.scripts[chatID], steps)
}

// FailNextStream makes the next streaming send for a chat fail with the
// given HTTP status before any event is emitted.
func (b *Backend) FailNextStream(chatID string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failStreams[chatID] = status
}

// ScriptCompact configures the compact endpoint for a chat.
func (b *Backend) ScriptCompact(chatID string, script CompactScript) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compacts[chatID] = script
}

// Sends returns every streaming send received so far.
func (b *Backend) Sends() []SendRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SendRecord, len(b.sends))
	copy(out, b.sends)
	return out
}

// Cancels returns the chat IDs that received a cancel notice.
func (b *Backend) Cancels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.cancels))
	copy(out, b.cancels)
	return out
}

// Grants returns the persisted grants for a chat.
func (b *Backend) Grants(chatID string) []types.EditGrant {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.EditGrant, len(b.grants[chatID]))
	copy(out, b.grants[chatID])
	return out
}

func (b *Backend) handleFetch(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	b.mu.Lock()
	conv, ok := b.conversations[chatID]
	msgs := b.messages[chatID]
	b.mu.Unlock()

	if !ok {
		http.Error(w, `{"error":"Chat not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"conversation": conv, "messages": msgs})
}

func (b *Backend) handleUsage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	b.mu.Lock()
	snapshot, ok := b.usage[chatID]
	b.mu.Unlock()

	if !ok {
		http.Error(w, `{"error":"No usage"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, snapshot)
}

func (b *Backend) handleCompact(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	b.mu.Lock()
	script, ok := b.compacts[chatID]
	if ok && script.Messages != nil {
		b.messages[chatID] = script.Messages
	}
	b.mu.Unlock()

	if !ok {
		writeJSON(w, map[string]any{"compacted": false})
		return
	}
	writeJSON(w, script.Result)
}

func (b *Backend) handleListGrants(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	b.mu.Lock()
	grants := append([]types.EditGrant(nil), b.grants[chatID]...)
	b.mu.Unlock()
	writeJSON(w, map[string]any{"permissions": grants})
}

func (b *Backend) handleAddGrant(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	var grant types.EditGrant
	if err := json.NewDecoder(r.Body).Decode(&grant); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	exists := false
	for _, g := range b.grants[chatID] {
		if g.Key() == grant.Key() {
			exists = true
			break
		}
	}
	if !exists {
		b.grants[chatID] = append(b.grants[chatID], grant)
	}
	b.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{"ok": true})
}

func (b *Backend) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChatID string `json:"chatId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.cancels = append(b.cancels, body.ChatID)
	b.mu.Unlock()
	writeJSON(w, map[string]any{"ok": true})
}

func (b *Backend) handleChat(w http.ResponseWriter, r *http.Request) {
	var record SendRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.sends = append(b.sends, record)
	if status, ok := b.failStreams[record.ChatID]; ok {
		delete(b.failStreams, record.ChatID)
		b.mu.Unlock()
		http.Error(w, `{"error":"scripted failure"}`, status)
		return
	}
	var steps []Step
	if queue := b.scripts[record.ChatID]; len(queue) > 0 {
		steps = queue[0]
		b.scripts[record.ChatID] = queue[1:]
	}
	b.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	for _, step := range steps {
		if step.Wait != nil {
			select {
			case <-step.Wait:
			case <-r.Context().Done():
				return
			}
		}
		if step.Event == "" {
			continue
		}
		if r.Context().Err() != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", step.Event)
		if flusher != nil {
			flusher.Flush()
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
