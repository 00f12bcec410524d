// Package upstream is the streaming HTTP client for the guide generation
// service. It opens a POST against the versioned endpoint, falls back to the
// legacy path only on a 404, and decodes the response body as a sequence of
// typed event frames.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/an-siuu-man/headstart/model"
	"github.com/an-siuu-man/headstart/sse"
)

const (
	runPath       = "/api/v1/runs/stream"
	legacyRunPath = "/run-agent/stream"

	chatPath       = "/api/v1/chats/stream"
	legacyChatPath = "/chat/stream"
)

// Client opens streaming connections against the generation service.
type Client struct {
	baseURL string
	httpc   *http.Client
	timeout time.Duration
}

// New builds a client for the service at baseURL. The timeout bounds a whole
// stream, open through close, not individual reads.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{},
		timeout: timeout,
	}
}

// PDFFile is one attachment forwarded to the service, base64-encoded.
type PDFFile struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

// RunRequest is the body of a guide run stream request.
type RunRequest struct {
	AssignmentUUID string                  `json:"assignment_uuid,omitempty"`
	Payload        model.AssignmentPayload `json:"payload"`
	PDFText        string                  `json:"pdf_text,omitempty"`
	PDFFiles       []PDFFile               `json:"pdf_files,omitempty"`
}

// HistoryTurn is one prior conversation turn sent with a chat request.
type HistoryTurn struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

// ChatRequest is the body of a follow-up chat stream request.
type ChatRequest struct {
	Payload       model.AssignmentPayload `json:"payload"`
	GuideMarkdown string                  `json:"guide_markdown"`
	History       []HistoryTurn           `json:"history,omitempty"`
	Context       string                  `json:"context,omitempty"`
	Message       string                  `json:"message"`
}

// Kind identifies the variant of a decoded upstream event.
type Kind string

const (
	KindStarted   Kind = "started"
	KindStage     Kind = "stage"
	KindDelta     Kind = "delta"
	KindCompleted Kind = "completed"
	KindError     Kind = "error"
)

// Event is one decoded upstream frame. Which fields are populated depends on
// the Kind; Stage, ProgressPercent, and StatusMessage ride along on every
// variant the service emits.
type Event struct {
	Kind             Kind
	Stage            string
	ProgressPercent  float64
	StatusMessage    string
	Delta            string
	ChunkIndex       int
	AccumulatedChars int
	GuideMarkdown    string
	Message          string
}

// frame is the raw JSON shape of an upstream data payload.
type frame struct {
	Stage            string   `json:"stage"`
	ProgressPercent  *float64 `json:"progress_percent"`
	StatusMessage    string   `json:"status_message"`
	Delta            string   `json:"delta"`
	ChunkIndex       int      `json:"chunk_index"`
	AccumulatedChars int      `json:"accumulated_chars"`
	GuideMarkdown    string   `json:"guideMarkdown"`
	Message          string   `json:"message"`
}

// Stream is one open upstream connection. Next yields events until the
// service closes the connection; the stream cannot be rewound, only reopened.
type Stream struct {
	body   io.ReadCloser
	dec    *sse.Decoder
	cancel context.CancelFunc
}

// OpenRunStream starts a guide generation stream.
func (c *Client) OpenRunStream(ctx context.Context, req *RunRequest) (*Stream, error) {
	return c.open(ctx, runPath, legacyRunPath, req)
}

// OpenChatStream starts a follow-up chat stream.
func (c *Client) OpenChatStream(ctx context.Context, req *ChatRequest) (*Stream, error) {
	return c.open(ctx, chatPath, legacyChatPath, req)
}

// open POSTs the request to the versioned path, retrying once against the
// legacy path only when the versioned one answers 404. Any other non-success
// status is a hard failure with no fallback.
func (c *Client) open(ctx context.Context, primary, legacy string, body any) (*Stream, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	resp, err := c.post(ctx, primary, payload)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		drain(resp)
		log.Printf("upstream: %s not found, falling back to %s", primary, legacy)
		resp, err = c.post(ctx, legacy, payload)
		if err != nil {
			cancel()
			return nil, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := readSnippet(resp.Body)
		drain(resp)
		cancel()
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, snippet)
	}

	return &Stream{
		body:   resp.Body,
		dec:    sse.NewDecoder(resp.Body),
		cancel: cancel,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling upstream: %w", err)
	}
	return resp, nil
}

// Next returns the next recognized event. Frames with an unknown event name
// or a data payload that is not a JSON object are logged and skipped. Returns
// io.EOF when the upstream closes the connection.
func (s *Stream) Next() (Event, error) {
	for {
		raw, err := s.dec.Next()
		if err != nil {
			return Event{}, err
		}

		kind, ok := eventKind(raw.Name)
		if !ok {
			log.Printf("upstream: skipping unrecognized event %q", raw.Name)
			continue
		}

		var f frame
		if err := json.Unmarshal([]byte(raw.Data), &f); err != nil {
			log.Printf("upstream: skipping malformed %s frame: %v", raw.Name, err)
			continue
		}

		ev := Event{
			Kind:             kind,
			Stage:            f.Stage,
			StatusMessage:    f.StatusMessage,
			Delta:            f.Delta,
			ChunkIndex:       f.ChunkIndex,
			AccumulatedChars: f.AccumulatedChars,
			GuideMarkdown:    f.GuideMarkdown,
			Message:          f.Message,
		}
		if f.ProgressPercent != nil {
			ev.ProgressPercent = *f.ProgressPercent
		}
		return ev, nil
	}
}

// Close tears down the connection. Safe to call after Next returned an error.
func (s *Stream) Close() error {
	s.cancel()
	return s.body.Close()
}

func eventKind(name string) (Kind, bool) {
	switch name {
	case "run.started", "chat.started":
		return KindStarted, true
	case "run.stage", "chat.stage":
		return KindStage, true
	case "run.delta", "chat.delta":
		return KindDelta, true
	case "run.completed", "chat.completed":
		return KindCompleted, true
	case "run.error", "chat.error":
		return KindError, true
	}
	return "", false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

// NormalizeMarkdown cleans a completed guide body. It unwraps a
// {"guideMarkdown": ...} JSON envelope if the model returned one, and strips
// a wrapping ```markdown fence.
func NormalizeMarkdown(s string) string {
	cleaned := strings.TrimSpace(s)

	if strings.HasPrefix(cleaned, "{") && strings.Contains(cleaned, `"guideMarkdown"`) {
		var envelope struct {
			GuideMarkdown string `json:"guideMarkdown"`
		}
		if err := json.Unmarshal([]byte(cleaned), &envelope); err == nil && envelope.GuideMarkdown != "" {
			cleaned = strings.TrimSpace(envelope.GuideMarkdown)
		}
	}

	if strings.HasPrefix(cleaned, "```") && strings.HasSuffix(cleaned, "```") {
		cleaned = strings.TrimSpace(strings.Trim(cleaned, "`"))
		if len(cleaned) >= len("markdown") && strings.EqualFold(cleaned[:len("markdown")], "markdown") {
			cleaned = strings.TrimSpace(cleaned[len("markdown"):])
		}
	}
	return cleaned
}
