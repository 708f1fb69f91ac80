// Package openai adapts the OpenAI Chat Completions streaming API to the
// engine's neutral model contract. Outbound requests use explicit wire
// shapes; inbound SSE payloads decode through the official SDK's chunk type.
// The adapter also understands OpenAI-compatible gateways that report usage
// under a metadata envelope and stream reasoning via reasoning_content.
package openai

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
	// Client implements model.Client for the Chat Completions API.
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
		// ChunkTimeout and StepTimeout bound stream progress.
		ChunkTimeout time.Duration
		StepTimeout  time.Duration
	}

	chatRequest struct {
		Model         string        `json:"model"`
		Messages      []wireMessage `json:"messages"`
		Tools         []wireTool    `json:"tools,omitempty"`
		Temperature   *float64      `json:"temperature,omitempty"`
		MaxTokens     int           `json:"max_completion_tokens,omitempty"`
		Stream        bool          `json:"stream"`
		StreamOptions streamOptions `json:"stream_options"`
	}

	streamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}

	wireMessage struct {
		Role       string         `json:"role"`
		Content    string         `json:"content,omitempty"`
		ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
	}

	wireToolCall struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function wireFunction `json:"function"`
	}

	wireFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	wireTool struct {
		Type     string      `json:"type"`
		Function wireToolDef `json:"function"`
	}

	wireToolDef struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  any    `json:"parameters"`
	}

	errorResponse struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
)

// DefaultBaseURL is the OpenAI API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

// ProviderID is the identifier this adapter registers under.
const ProviderID = "openai"

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
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
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
		Operation:  "chat.completions.stream",
		HTTPStatus: resp.StatusCode,
		Kind:       model.ClassifyStatus(resp.StatusCode),
		Message:    http.StatusText(resp.StatusCode),
	}
	var parsed errorResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		perr.Code = parsed.Error.Code
		if perr.Code == "" {
			perr.Code = parsed.Error.Type
		}
		perr.Message = parsed.Error.Message
	}
	if perr.Kind == model.ErrorKindAuth {
		perr.Hint = "check OPENAI_API_KEY and its scopes"
	}
	return perr
}

// encodeRequest translates the neutral request into the Chat Completions wire
// format. Tool results become role "tool" messages; assistant tool uses become
// tool_calls entries.
func encodeRequest(req *model.Request) *chatRequest {
	out := &chatRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: streamOptions{IncludeUsage: true},
	}
	if req.Temperature != 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Type: "function",
			Function: wireToolDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	if req.System != "" {
		out.Messages = append(out.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, encodeMessage(msg)...)
	}
	return out
}

// encodeMessage flattens one neutral message. Tool results expand into
// separate role "tool" messages as the protocol requires.
func encodeMessage(msg *model.Message) []wireMessage {
	var (
		text  string
		calls []wireToolCall
		out   []wireMessage
	)
	for _, part := range msg.Parts {
		switch part := part.(type) {
		case model.TextPart:
			text += part.Text
		case model.ReasoningPart:
			// Reasoning is not replayed to Chat Completions.
		case model.ToolUsePart:
			args := string(part.Input)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, wireToolCall{
				ID:       part.ID,
				Type:     "function",
				Function: wireFunction{Name: part.Name, Arguments: args},
			})
		case model.ToolResultPart:
			content := part.Content
			if part.IsError && content == "" {
				content = "tool execution failed"
			}
			out = append(out, wireMessage{
				Role:       "tool",
				ToolCallID: part.ToolUseID,
				Content:    content,
			})
		}
	}
	if text != "" || len(calls) > 0 {
		head := wireMessage{Role: string(msg.Role), Content: text, ToolCalls: calls}
		out = append([]wireMessage{head}, out...)
	}
	return out
}
