package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/basinhq/basin/pkg/types"
)

// Stream event types, mirroring the backend's incremental-part protocol.
const (
	EventTextStart           = "text-start"
	EventTextDelta           = "text-delta"
	EventTextEnd             = "text-end"
	EventReasoningStart      = "reasoning-start"
	EventReasoningDelta      = "reasoning-delta"
	EventReasoningEnd        = "reasoning-end"
	EventToolInputStart      = "tool-input-start"
	EventToolInputDelta      = "tool-input-delta"
	EventToolInputAvailable  = "tool-input-available"
	EventToolOutputAvailable = "tool-output-available"
	EventCheckpoint          = "data-checkpoint"
	EventError               = "error"
)

// StreamEvent is one decoded event from the streaming send endpoint.
// Fields are populated according to Type.
type StreamEvent struct {
	Type string `json:"type"`

	// Text / reasoning streaming.
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`

	// Tool input/output streaming. ToolCallID correlates all events of
	// one invocation.
	ToolCallID     string          `json:"toolCallId,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	InputTextDelta string          `json:"inputTextDelta,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`

	// Error event.
	ErrorText string `json:"errorText,omitempty"`

	// Custom data events (checkpoint).
	Data json.RawMessage `json:"data,omitempty"`
}

// CheckpointData is the payload of a data-checkpoint event, emitted when
// the backend compacts mid-stream.
type CheckpointData struct {
	Version            int    `json:"version"`
	MessagesSummarized int    `json:"messagesSummarized"`
	Summary            string `json:"summary"`
	Timestamp          string `json:"timestamp"`
}

// SendRequest is the streaming send payload.
type SendRequest struct {
	ChatID   string          `json:"id"`
	Model    string          `json:"model,omitempty"`
	Messages []types.Message `json:"messages"`
}

// Stream reads incremental events from a streaming send response.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Reader
	done    bool
}

// SendStream opens a streaming send. The returned stream is live until
// Recv returns io.EOF, an error, or ctx is cancelled; the caller must
// Close it.
func (c *Client) SendStream(ctx context.Context, req SendRequest) (*Stream, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.streamc.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	return &Stream{
		body:    resp.Body,
		scanner: bufio.NewReader(resp.Body),
	}, nil
}

// Recv returns the next event. io.EOF signals a normally-completed
// stream (the backend's [DONE] terminator or connection close).
func (s *Stream) Recv() (StreamEvent, error) {
	if s.done {
		return StreamEvent{}, io.EOF
	}

	var data strings.Builder
	for {
		line, err := s.scanner.ReadString('\n')
		if err != nil && err != io.EOF {
			s.done = true
			return StreamEvent{}, err
		}
		atEOF := err == io.EOF

		line = strings.TrimRight(line, "\r\n")

		// A blank line terminates one SSE event. A connection that
		// closes mid-event still delivers whatever data lines were
		// buffered, including a final line with no trailing newline.
		if line == "" || atEOF {
			if strings.HasPrefix(line, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
			if atEOF {
				s.done = true
			}
			if data.Len() == 0 {
				if atEOF {
					return StreamEvent{}, io.EOF
				}
				continue
			}
			payload := data.String()
			if payload == "[DONE]" {
				s.done = true
				return StreamEvent{}, io.EOF
			}
			var ev StreamEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				return StreamEvent{}, fmt.Errorf("decode stream event: %w", err)
			}
			return ev, nil
		}

		// Heartbeat comments are skipped.
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// "event:" fields are ignored: the payload carries its own type.
	}
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}
