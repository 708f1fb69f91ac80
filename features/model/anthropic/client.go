// Package anthropic adapts the Anthropic Messages API to the engine's neutral
// model contract. Requests are encoded to the Messages wire format and the
// SSE response stream is decoded through the official SDK's event union, so
// the adapter tracks the provider protocol without hand-rolled event types.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"goa.design/sidekick/runtime/credentials"
	"goa.design/sidekick/runtime/events"
	"goa.design/sidekick/runtime/model"
	"goa.design/sidekick/runtime/sse"
)

type (
	// Client implements model.Client for the Anthropic Messages API.
	Client struct {
		doer  Doer
		creds credentials.Resolver
		bus   *events.Bus
		opts  Options
	}

	// Doer issues HTTP requests. Production wires the retry transport.
	Doer interface {
		Do(req *http.Request) (*http.Response, error)
	}

	// Options configures the client. Zero fields use the defaults.
	Options struct {
		// BaseURL overrides the API endpoint.
		BaseURL string
		// Version is the anthropic-version header value.
		Version string
		// ChunkTimeout and StepTimeout bound stream progress.
		ChunkTimeout time.Duration
		StepTimeout  time.Duration
	}

	// Wire request types. The SDK's param builders target its own transport;
	// the engine owns the HTTP layer, so outbound encoding uses these
	// explicit shapes.
	messagesRequest struct {
		Model       string        `json:"model"`
		MaxTokens   int           `json:"max_tokens"`
		System      string        `json:"system,omitempty"`
		Messages    []wireMessage `json:"messages"`
		Tools       []wireTool    `json:"tools,omitempty"`
		Temperature *float64      `json:"temperature,omitempty"`
		Stream      bool          `json:"stream"`
	}

	wireMessage struct {
		Role    string      `json:"role"`
		Content []wireBlock `json:"content"`
	}

	wireBlock struct {
		Type string `json:"type"`

		// text
		Text string `json:"text,omitempty"`

		// thinking
		Thinking  string `json:"thinking,omitempty"`
		Signature string `json:"signature,omitempty"`

		// tool_use
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`

		// tool_result
		ToolUseID string `json:"tool_use_id,omitempty"`
		Content   string `json:"content,omitempty"`
		IsError   bool   `json:"is_error,omitempty"`
	}

	wireTool struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		InputSchema any    `json:"input_schema"`
	}

	errorResponse struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
)

// Defaults.
const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultVersion   = "2023-06-01"
	DefaultMaxTokens = 4096
)

// ProviderID is the identifier this adapter registers under.
const ProviderID = "anthropic"

// New constructs a Client. bus receives stream diagnostics and may be nil.
func New(doer Doer, creds credentials.Resolver, bus *events.Bus, opts Options) (*Client, error) {
	if doer == nil {
		return nil, errors.New("doer is required")
	}
	if creds == nil {
		return nil, errors.New("credential resolver is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	return &Client{doer: doer, creds: creds, bus: bus, opts: opts}, nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Stream, error) {
	cred, err := c.creds.ForProvider(ctx, ProviderID)
	if err != nil {
		return nil, err
	}
	base := c.opts.BaseURL
	if cred.BaseURL != "" {
		base = cred.BaseURL
	}

	body, err := json.Marshal(encodeRequest(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("anthropic-version", c.opts.Version)
	cred.Apply(httpReq)

	resp, err := c.doer.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError(resp)
	}

	st := &stream{processor: newProcessor()}
	st.reader = sse.NewReader(resp.Body, sse.Options{
		ChunkTimeout: c.opts.ChunkTimeout,
		StepTimeout:  c.opts.StepTimeout,
		OnSkip: func(preview []byte) {
			st.processor.pushParseError(string(preview))
			if c.bus != nil {
				c.bus.Publish(events.NewDiagnostic("", "sse.frame_skipped",
					"skipped malformed stream frame", map[string]any{"preview": string(preview)}))
			}
		},
	})
	return st, nil
}

// decodeError turns a non-2xx response into a *model.ProviderError.
func (c *Client) decodeError(resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	perr := &model.ProviderError{
		Provider:   ProviderID,
		Operation:  "messages.stream",
		HTTPStatus: resp.StatusCode,
		Kind:       model.ClassifyStatus(resp.StatusCode),
		Message:    http.StatusText(resp.StatusCode),
	}
	var parsed errorResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		perr.Code = parsed.Error.Type
		perr.Message = parsed.Error.Message
	}
	if perr.Kind == model.ErrorKindAuth {
		perr.Hint = "check ANTHROPIC_API_KEY and its scopes"
	}
	return perr
}

// encodeRequest translates the neutral request into the Messages wire format.
func encodeRequest(req *model.Request) *messagesRequest {
	out := &messagesRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Stream:    true,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = DefaultMaxTokens
	}
	if req.Temperature != 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	for _, msg := range req.Messages {
		wm := wireMessage{Role: string(msg.Role)}
		for _, part := range msg.Parts {
			switch part := part.(type) {
			case model.TextPart:
				wm.Content = append(wm.Content, wireBlock{Type: "text", Text: part.Text})
			case model.ReasoningPart:
				// Thinking blocks cannot be replayed without their signature.
				if part.Signature != "" {
					wm.Content = append(wm.Content, wireBlock{
						Type:      "thinking",
						Thinking:  part.Text,
						Signature: part.Signature,
					})
				}
			case model.ToolUsePart:
				input := part.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				wm.Content = append(wm.Content, wireBlock{
					Type:  "tool_use",
					ID:    part.ID,
					Name:  part.Name,
					Input: input,
				})
			case model.ToolResultPart:
				wm.Content = append(wm.Content, wireBlock{
					Type:      "tool_result",
					ToolUseID: part.ToolUseID,
					Content:   part.Content,
					IsError:   part.IsError,
				})
			}
		}
		if len(wm.Content) == 0 {
			continue
		}
		out.Messages = append(out.Messages, wm)
	}
	return out
}
