package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/basinhq/basin/internal/api"
	"github.com/basinhq/basin/internal/event"
	"github.com/basinhq/basin/internal/logging"
	"github.com/basinhq/basin/pkg/types"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// DefaultStreamTimeout is the ceiling on one streaming exchange. A
// session stuck past it is auto-cleared back to ready, keeping whatever
// partial output arrived.
const DefaultStreamTimeout = 5 * time.Minute

var (
	// ErrBusy is returned by Submit when a submission is already outstanding.
	ErrBusy = errors.New("session busy")
	// ErrNotReady is returned by Regenerate outside the ready state.
	ErrNotReady = errors.New("session not ready")
	// ErrClosed is returned once the pool has torn the session down.
	ErrClosed = errors.New("session closed")
)

// errStreamFailed marks an error event delivered inside an otherwise
// healthy stream.
var errStreamFailed = errors.New("stream reported error")

// SessionConfig carries the collaborators a session needs. Sessions are
// only constructed through the pool's factory, never by a view.
type SessionConfig struct {
	ID        string
	Model     string
	Persisted bool
	Client    *api.Client
	Bus       *event.Bus

	// StreamTimeout defaults to DefaultStreamTimeout when zero.
	StreamTimeout time.Duration
}

// Session is one conversation's live state machine. All mutable state is
// guarded by mu; stream events mutate it only after re-checking the
// stream context, so a cancelled stream can never touch a session that
// has moved on.
type Session struct {
	id     string
	model  string
	client *api.Client
	bus    *event.Bus
	ledger *Ledger

	streamTimeout time.Duration

	mu           sync.Mutex
	status       Status
	lastErr      error
	persisted    bool
	closed       bool
	messages     []types.Message
	meta         map[string]types.MessageMeta
	usage        *types.UsageSnapshot
	cancelStream context.CancelFunc
}

// NewSession creates a session for one conversation identity.
func NewSession(cfg SessionConfig) *Session {
	timeout := cfg.StreamTimeout
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}
	return &Session{
		id:            cfg.ID,
		model:         cfg.Model,
		client:        cfg.Client,
		bus:           cfg.Bus,
		ledger:        NewLedger(cfg.Client),
		streamTimeout: timeout,
		status:        StatusReady,
		persisted:     cfg.Persisted,
		meta:          make(map[string]types.MessageMeta),
	}
}

// ID returns the conversation identity the session was created for.
func (s *Session) ID() string { return s.id }

// Ledger returns the session's edit permission ledger.
func (s *Session) Ledger() *Ledger { return s.ledger }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError returns the retained streaming error, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Persisted reports whether the conversation exists server-side.
func (s *Session) Persisted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

// Messages returns a deep-copied snapshot of the live message list. The
// stream goroutine mutates parts in place under the lock, so the
// snapshot must share nothing with it: a renderer can read it while the
// next delta is applied.
func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.messages))
	for i := range s.messages {
		out[i] = s.messages[i].Clone()
	}
	return out
}

// Meta returns recorded display metadata for a message ID.
func (s *Session) Meta(messageID string) (types.MessageMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[messageID]
	return m, ok
}

// Usage returns the last usage snapshot, or nil if none was fetched.
func (s *Session) Usage() *types.UsageSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *Session) setUsage(snapshot *types.UsageSnapshot) {
	s.mu.Lock()
	s.usage = snapshot
	s.mu.Unlock()
}

// Load fetches and normalizes the persisted history. Fresh conversations
// have nothing to fetch.
func (s *Session) Load(ctx context.Context) error {
	if !s.Persisted() {
		return nil
	}

	detail, err := s.client.FetchConversation(ctx, s.id)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	meta := make(map[string]types.MessageMeta)
	messages := Dedupe(NormalizeAll(detail.Messages, meta))

	s.mu.Lock()
	s.messages = messages
	s.meta = meta
	s.mu.Unlock()
	return nil
}

// Submit appends a user message and opens the streaming exchange.
// Rejected with ErrBusy unless the session is ready; the status check
// happens under the mutex before any mutation, so a reentrant Submit can
// never append a second user message.
func (s *Session) Submit(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.status != StatusReady {
		s.mu.Unlock()
		return ErrBusy
	}

	userMsg := types.Message{
		ID:   ulid.Make().String(),
		Role: types.RoleUser,
		Time: time.Now().UnixMilli(),
		Parts: []types.Part{
			&types.TextPart{ID: ulid.Make().String(), Type: types.PartText, Text: text},
		},
	}
	s.messages = append(s.messages, userMsg)
	streamCtx, req := s.startLocked(ctx)
	s.mu.Unlock()

	s.bus.Publish(event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{ChatID: s.id, Message: &userMsg}})
	s.publishStatus()

	go s.run(streamCtx, req)
	return nil
}

// Regenerate drops the trailing assistant message and re-issues the
// request with the same trailing user message. Valid only from ready;
// this is also the permission-grant retry path.
func (s *Session) Regenerate(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.status != StatusReady {
		s.mu.Unlock()
		return ErrNotReady
	}
	if len(s.messages) == 0 {
		s.mu.Unlock()
		return ErrNotReady
	}

	var removedID string
	if tail := s.messages[len(s.messages)-1]; tail.Role == types.RoleAssistant {
		removedID = tail.ID
		s.messages = s.messages[:len(s.messages)-1]
	}
	streamCtx, req := s.startLocked(ctx)
	s.mu.Unlock()

	if removedID != "" {
		s.bus.Publish(event.Event{Type: event.MessageRemoved, Data: event.MessageRemovedData{ChatID: s.id, MessageID: removedID}})
	}
	s.publishStatus()

	go s.run(streamCtx, req)
	return nil
}

// startLocked transitions to submitted and prepares the stream request.
// Caller holds mu.
func (s *Session) startLocked(ctx context.Context) (context.Context, api.SendRequest) {
	s.status = StatusSubmitted
	s.lastErr = nil

	streamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.streamTimeout)
	s.cancelStream = cancel

	snapshot := make([]types.Message, len(s.messages))
	for i := range s.messages {
		snapshot[i] = s.messages[i].Clone()
	}
	return streamCtx, api.SendRequest{ChatID: s.id, Model: s.model, Messages: snapshot}
}

// Cancel aborts the in-flight stream and returns to ready. A session in
// error stays in error; cancellation itself is never recorded as an
// error. The out-of-band backend notice is advisory: its failure is
// logged and never surfaced.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.status != StatusSubmitted && s.status != StatusStreaming {
		s.mu.Unlock()
		return
	}
	if s.cancelStream != nil {
		s.cancelStream()
		s.cancelStream = nil
	}
	s.status = StatusReady
	s.lastErr = nil
	s.mu.Unlock()

	s.publishStatus()
	go func() {
		if err := s.client.Cancel(s.id); err != nil {
			logging.Warn().Str("chatId", s.id).Err(err).Msg("cancel notice failed")
		}
	}()
}

// ClearError acknowledges a streaming failure and returns to ready.
func (s *Session) ClearError() {
	s.mu.Lock()
	if s.status != StatusError {
		s.mu.Unlock()
		return
	}
	s.status = StatusReady
	s.lastErr = nil
	s.mu.Unlock()
	s.publishStatus()
}

// Allow records an edit grant and retries the blocked exchange. The
// flush must land before the retry: if it fails the retry does not
// proceed and the error is surfaced for a manual attempt.
func (s *Session) Allow(ctx context.Context, grant types.EditGrant) error {
	s.ledger.Add(grant)
	if s.Persisted() {
		if err := s.ledger.Flush(ctx, s.id); err != nil {
			return err
		}
	}
	return s.Regenerate(ctx)
}

// Deny leaves the permission-request message in place as a terminal
// record of that exchange. No session state changes.
func (s *Session) Deny() {
	logging.Debug().Str("chatId", s.id).Msg("permission denied")
}

// Close tears the session down. Only the pool calls this, at refcount
// zero.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wasLive := s.status == StatusSubmitted || s.status == StatusStreaming
	if s.cancelStream != nil {
		s.cancelStream()
		s.cancelStream = nil
	}
	s.mu.Unlock()

	if wasLive {
		go func() {
			if err := s.client.Cancel(s.id); err != nil {
				logging.Debug().Str("chatId", s.id).Err(err).Msg("cancel notice on teardown failed")
			}
		}()
	}
}

// replaceMessages swaps the whole message list. Used by the compaction
// reconcile.
func (s *Session) replaceMessages(messages []types.Message, meta map[string]types.MessageMeta) {
	s.mu.Lock()
	s.messages = messages
	if meta != nil {
		s.meta = meta
	}
	s.mu.Unlock()
}

func (s *Session) publishStatus() {
	s.mu.Lock()
	data := event.SessionStatusData{ChatID: s.id, Status: string(s.status)}
	if s.lastErr != nil {
		data.Error = s.lastErr.Error()
	}
	s.mu.Unlock()
	s.bus.PublishSync(event.Event{Type: event.SessionStatus, Data: data})
}

// run consumes one streaming exchange. It is the only writer of
// streaming state and always re-checks ctx before mutating, so deltas
// arriving after a cancel or tab switch are discarded.
func (s *Session) run(ctx context.Context, req api.SendRequest) {
	stream, err := s.client.SendStream(ctx, req)
	if err != nil {
		s.finishError(ctx, err)
		return
	}
	defer stream.Close()

	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			s.finishOK(ctx)
			return
		}
		if err != nil {
			s.finishError(ctx, err)
			return
		}
		if err := s.apply(ctx, ev); err != nil {
			s.finishError(ctx, err)
			return
		}
	}
}

// apply merges one stream event into the tail assistant message.
func (s *Session) apply(ctx context.Context, ev api.StreamEvent) error {
	if ev.Type == api.EventError {
		s.mu.Lock()
		s.lastErr = errors.New(ev.ErrorText)
		s.mu.Unlock()
		return errStreamFailed
	}

	s.mu.Lock()
	if ctx.Err() != nil || s.closed {
		s.mu.Unlock()
		return ctx.Err()
	}

	statusChanged := false
	if s.status == StatusSubmitted {
		s.status = StatusStreaming
		statusChanged = true
	}

	var created *types.Message
	var updated types.Part
	var delta string
	msgID := ""

	if ev.Type == api.EventCheckpoint {
		if inserted := s.applyCheckpointLocked(ev); inserted != nil {
			snapshot := inserted.Clone()
			created = &snapshot
		}
	} else {
		tail, isNew := s.tailAssistantLocked()
		if isNew {
			snapshot := tail.Clone()
			created = &snapshot
		}
		msgID = tail.ID
		updated, delta = s.applyPartLocked(tail, ev)
	}
	s.mu.Unlock()

	if statusChanged {
		s.publishStatus()
	}
	if created != nil {
		s.bus.Publish(event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{ChatID: s.id, Message: created}})
	}
	if updated != nil {
		s.bus.PublishSync(event.Event{Type: event.PartUpdated, Data: event.PartUpdatedData{
			ChatID: s.id, MessageID: msgID, Part: updated.Clone(), Delta: delta,
		}})
		s.maybeRequirePermission(updated)
	}
	return nil
}

// tailAssistantLocked returns the assistant message under construction,
// creating it on the first content event of the exchange.
func (s *Session) tailAssistantLocked() (*types.Message, bool) {
	if n := len(s.messages); n > 0 && s.messages[n-1].Role == types.RoleAssistant {
		return &s.messages[n-1], false
	}
	s.messages = append(s.messages, types.Message{
		ID:   ulid.Make().String(),
		Role: types.RoleAssistant,
		Time: time.Now().UnixMilli(),
	})
	return &s.messages[len(s.messages)-1], true
}

// applyCheckpointLocked inserts a server-issued checkpoint message ahead
// of the assistant message under construction.
func (s *Session) applyCheckpointLocked(ev api.StreamEvent) *types.Message {
	var data api.CheckpointData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		logging.Warn().Str("chatId", s.id).Err(err).Msg("bad checkpoint event")
		return nil
	}

	msg := types.Message{
		ID:   ulid.Make().String(),
		Role: types.RoleCheckpoint,
		Time: time.Now().UnixMilli(),
		Parts: []types.Part{&types.CheckpointPart{
			ID:                 ulid.Make().String(),
			Type:               types.PartCheckpoint,
			Version:            data.Version,
			MessagesSummarized: data.MessagesSummarized,
			Summary:            data.Summary,
			Timestamp:          data.Timestamp,
		}},
	}

	insert := len(s.messages)
	if insert > 0 && s.messages[insert-1].Role == types.RoleAssistant {
		insert--
	}
	s.messages = append(s.messages, types.Message{})
	copy(s.messages[insert+1:], s.messages[insert:])
	s.messages[insert] = msg
	return &s.messages[insert]
}

// applyPartLocked merges one delta into the message's parts, preserving
// first-appearance order.
func (s *Session) applyPartLocked(msg *types.Message, ev api.StreamEvent) (types.Part, string) {
	switch ev.Type {
	case api.EventTextStart:
		return appendPart(msg, &types.TextPart{ID: partID(ev.ID), Type: types.PartText}), ""

	case api.EventTextDelta:
		part := findText(msg, ev.ID)
		if part == nil {
			part = appendPart(msg, &types.TextPart{ID: partID(ev.ID), Type: types.PartText}).(*types.TextPart)
		}
		part.Text += ev.Delta
		return part, ev.Delta

	case api.EventTextEnd:
		if part := findText(msg, ev.ID); part != nil {
			return part, ""
		}
		return nil, ""

	case api.EventReasoningStart:
		return appendPart(msg, &types.ReasoningPart{ID: partID(ev.ID), Type: types.PartReasoning}), ""

	case api.EventReasoningDelta:
		part := findReasoning(msg, ev.ID)
		if part == nil {
			part = appendPart(msg, &types.ReasoningPart{ID: partID(ev.ID), Type: types.PartReasoning}).(*types.ReasoningPart)
		}
		part.Text += ev.Delta
		return part, ev.Delta

	case api.EventReasoningEnd:
		if part := findReasoning(msg, ev.ID); part != nil {
			return part, ""
		}
		return nil, ""

	case api.EventToolInputStart:
		tool := findTool(msg, ev.ToolCallID)
		if tool == nil {
			tool = appendPart(msg, &types.ToolPart{
				ID:     partID(ev.ToolCallID),
				Type:   types.PartToolCall,
				CallID: ev.ToolCallID,
				Name:   ev.ToolName,
				State:  types.ToolPending,
			}).(*types.ToolPart)
		}
		return tool, ""

	case api.EventToolInputDelta:
		tool := findTool(msg, ev.ToolCallID)
		if tool == nil {
			return nil, ""
		}
		tool.State = types.ToolStreaming
		tool.Input = append(tool.Input, []byte(ev.InputTextDelta)...)
		return tool, ev.InputTextDelta

	case api.EventToolInputAvailable:
		tool := findTool(msg, ev.ToolCallID)
		if tool == nil {
			tool = appendPart(msg, &types.ToolPart{
				ID:     partID(ev.ToolCallID),
				Type:   types.PartToolCall,
				CallID: ev.ToolCallID,
				Name:   ev.ToolName,
			}).(*types.ToolPart)
		}
		tool.Input = ev.Input
		tool.State = types.ToolStreaming
		return tool, ""

	case api.EventToolOutputAvailable:
		tool := findTool(msg, ev.ToolCallID)
		if tool == nil {
			return nil, ""
		}
		output := ev.Output
		tool.Output = &output
		tool.State = types.ToolComplete
		if blocked, grant := permissionNeeded(ev.Output); blocked {
			tool.State = types.ToolError
			reason := "permission_needed"
			tool.Error = &reason
			tool.Title = grant.Title
		}
		return tool, ""
	}
	return nil, ""
}

// maybeRequirePermission publishes the inline allow/deny prompt for a
// tool call the backend blocked on a missing edit grant.
func (s *Session) maybeRequirePermission(part types.Part) {
	tool, ok := part.(*types.ToolPart)
	if !ok || tool.State != types.ToolError || tool.Output == nil {
		return
	}
	blocked, grant := permissionNeeded(*tool.Output)
	if !blocked {
		return
	}
	s.bus.Publish(event.Event{Type: event.PermissionRequired, Data: event.PermissionRequiredData{
		ChatID: s.id, CallID: tool.CallID, Grant: grant,
	}})
}

// permissionNeeded inspects a tool output for the backend's
// permission-blocked marker.
func permissionNeeded(output json.RawMessage) (bool, types.EditGrant) {
	if len(output) == 0 {
		return false, types.EditGrant{}
	}
	var probe struct {
		PermissionNeeded bool   `json:"permission_needed"`
		EntityID         string `json:"entity_id"`
		EntityType       string `json:"entity_type"`
		EntityTitle      string `json:"entity_title"`
	}
	if err := json.Unmarshal(output, &probe); err != nil || !probe.PermissionNeeded {
		return false, types.EditGrant{}
	}
	return true, types.EditGrant{
		ResourceType: probe.EntityType,
		ResourceID:   probe.EntityID,
		Title:        probe.EntityTitle,
	}
}

// finishOK completes the exchange: back to ready, and the first
// completed exchange promotes an unsaved conversation exactly once.
func (s *Session) finishOK(ctx context.Context) {
	s.mu.Lock()
	if ctx.Err() != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.status = StatusReady
	if s.cancelStream != nil {
		s.cancelStream()
		s.cancelStream = nil
	}
	promoted := !s.persisted
	s.persisted = true
	s.mu.Unlock()

	s.publishStatus()

	if promoted {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.ledger.Flush(flushCtx, s.id); err != nil {
			logging.Warn().Str("chatId", s.id).Err(err).Msg("grant flush on first persist failed")
		}
	}
}

// finishError classifies a stream failure. Cancellation is not an
// error; a hit on the safety ceiling auto-clears so the UI cannot
// wedge, keeping partial output.
func (s *Session) finishError(ctx context.Context, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		// Cancel() already moved the session to ready.
		s.mu.Unlock()
		return
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		s.status = StatusReady
		s.lastErr = nil
		s.mu.Unlock()
		logging.Warn().Str("chatId", s.id).Msg("stream hit safety ceiling, auto-cleared")
		s.publishStatus()
		return
	}

	s.status = StatusError
	if errors.Is(err, errStreamFailed) && s.lastErr != nil {
		// lastErr already carries the backend's error text.
	} else {
		s.lastErr = err
	}
	if s.cancelStream != nil {
		s.cancelStream()
		s.cancelStream = nil
	}
	s.mu.Unlock()

	logging.Error().Str("chatId", s.id).Err(err).Msg("stream failed")
	s.publishStatus()
}

func partID(id string) string {
	if id != "" {
		return id
	}
	return ulid.Make().String()
}

func appendPart[P types.Part](msg *types.Message, part P) types.Part {
	msg.Parts = append(msg.Parts, part)
	return part
}

func findText(msg *types.Message, id string) *types.TextPart {
	for i := len(msg.Parts) - 1; i >= 0; i-- {
		if p, ok := msg.Parts[i].(*types.TextPart); ok && (id == "" || p.ID == id) {
			return p
		}
	}
	return nil
}

func findReasoning(msg *types.Message, id string) *types.ReasoningPart {
	for i := len(msg.Parts) - 1; i >= 0; i-- {
		if p, ok := msg.Parts[i].(*types.ReasoningPart); ok && (id == "" || p.ID == id) {
			return p
		}
	}
	return nil
}

func findTool(msg *types.Message, callID string) *types.ToolPart {
	for _, part := range msg.Parts {
		if p, ok := part.(*types.ToolPart); ok && p.CallID == callID {
			return p
		}
	}
	return nil
}
