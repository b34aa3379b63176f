// Package api is the HTTP client for the workspace backend. The chat
// core treats the backend as the source of truth: conversations,
// messages, usage metrics, compaction, and edit permissions all live
// server-side and are reached through this client.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/basinhq/basin/pkg/types"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// IsRateLimit reports whether the error is a rate-limit response. The
// distinction matters only at the UI boundary; the core handles both
// identically.
func (e *StatusError) IsRateLimit() bool { return e.Code == http.StatusTooManyRequests }

// Client talks to the workspace backend.
type Client struct {
	baseURL string
	token   string

	// httpc serves request/response calls and carries a timeout.
	// streamc serves SSE calls and must not: the per-request context
	// governs streaming lifetime.
	httpc   *http.Client
	streamc *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the non-streaming request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpc.Timeout = d }
}

// WithHTTPClient replaces the non-streaming HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		streamc: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConversationDetail is the conversation-fetch response envelope.
type ConversationDetail struct {
	Conversation types.Conversation `json:"conversation"`
	Messages     []types.RawMessage `json:"messages"`
}

// FetchConversation retrieves a conversation and its raw message records.
func (c *Client) FetchConversation(ctx context.Context, chatID string) (*ConversationDetail, error) {
	var detail ConversationDetail
	if err := c.doJSON(ctx, http.MethodGet, "/api/chats/"+chatID, nil, &detail); err != nil {
		return nil, fmt.Errorf("fetch conversation %s: %w", chatID, err)
	}
	return &detail, nil
}

// Usage retrieves the usage snapshot for a persisted conversation.
func (c *Client) Usage(ctx context.Context, chatID string) (*types.UsageSnapshot, error) {
	var snapshot types.UsageSnapshot
	if err := c.doJSON(ctx, http.MethodGet, "/api/chats/"+chatID+"/usage", nil, &snapshot); err != nil {
		return nil, fmt.Errorf("fetch usage %s: %w", chatID, err)
	}
	return &snapshot, nil
}

// CompactResult is the compact endpoint's acknowledgement. The checkpoint
// message itself is picked up by re-fetching the conversation.
type CompactResult struct {
	Compacted          bool `json:"compacted"`
	SummaryVersion     int  `json:"summary_version"`
	MessagesSummarized int  `json:"messages_summarized"`
}

// Compact asks the backend to summarize the conversation's history
// prefix into a checkpoint message.
func (c *Client) Compact(ctx context.Context, chatID string, force bool) (*CompactResult, error) {
	body := map[string]bool{"force": force}
	var result CompactResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/chats/"+chatID+"/compact", body, &result); err != nil {
		return nil, fmt.Errorf("compact %s: %w", chatID, err)
	}
	return &result, nil
}

// Cancel sends the out-of-band cancellation notice that stops the
// backend agent loop. It is advisory: the call is bounded, retried
// briefly, and the caller logs (never surfaces) a failure.
func (c *Client) Cancel(chatID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)

	op := func() error {
		body := map[string]string{"chatId": chatID}
		return c.doJSON(ctx, http.MethodPost, "/api/chat/cancel", body, nil)
	}
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("cancel notice %s: %w", chatID, err)
	}
	return nil
}

// grantList is the permission-list response envelope.
type grantList struct {
	Permissions []types.EditGrant `json:"permissions"`
}

// ListGrants retrieves the persisted edit grants for a conversation.
func (c *Client) ListGrants(ctx context.Context, chatID string) ([]types.EditGrant, error) {
	var list grantList
	if err := c.doJSON(ctx, http.MethodGet, "/api/chats/"+chatID+"/permissions", nil, &list); err != nil {
		return nil, fmt.Errorf("list grants %s: %w", chatID, err)
	}
	return list.Permissions, nil
}

// AddGrant persists one edit grant. The backend upserts, so repeating a
// grant is harmless.
func (c *Client) AddGrant(ctx context.Context, chatID string, grant types.EditGrant) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/chats/"+chatID+"/permissions", grant, nil); err != nil {
		return fmt.Errorf("add grant %s for %s: %w", grant.Key(), chatID, err)
	}
	return nil
}

// doJSON performs a JSON request/response round trip.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
