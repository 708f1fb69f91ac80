// Package model defines the provider-agnostic contract between the session
// engine and LLM providers. It normalizes requests (transcript, tools,
// sampling parameters) and streaming responses (deltas, tool calls, finish
// metadata) so the engine can drive any provider without coupling to specific
// SDKs. Provider adapters under features/model translate these types into
// wire formats and back.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client is the contract the session processor uses to invoke a model.
	// Implementations wrap provider wire protocols and must be safe for
	// concurrent use across sessions.
	Client interface {
		// Stream sends a request and returns a Stream yielding incremental
		// events. The returned Stream must be closed by the caller.
		Stream(ctx context.Context, req *Request) (Stream, error)
	}

	// Stream delivers incremental model output. Successive calls to Recv
	// return events until io.EOF. Recv must be called from a single
	// goroutine; Close releases the underlying connection and may be called
	// concurrently with Recv.
	Stream interface {
		// Recv returns the next neutral stream event.
		Recv() (StreamEvent, error)
		// Close closes the stream.
		Close() error
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// System is the system prompt, empty for none.
		System string
		// Messages is the ordered transcript provided to the model.
		Messages []*Message
		// Tools describes the tool schemas exposed to the model. Empty if
		// the model should not invoke tools.
		Tools []*ToolDefinition
		// Temperature controls sampling temperature. Zero means provider
		// default.
		Temperature float64
		// MaxTokens caps completion tokens. Zero means provider default.
		MaxTokens int
	}

	// Message mirrors an LLM chat message with role and ordered parts.
	Message struct {
		// Role is "user" or "assistant".
		Role Role
		// Parts is the ordered content of the message.
		Parts []Part
	}

	// Role identifies the author of a transcript message.
	Role string

	// Part is the marker interface implemented by transcript content types.
	Part interface{ isPart() }

	// TextPart carries prose content.
	TextPart struct {
		Text string
	}

	// ReasoningPart carries model reasoning content. Providers that support
	// reasoning replay may require the signature on resubmission.
	ReasoningPart struct {
		Text      string
		Signature string
	}

	// ToolUsePart records a tool invocation requested by the model in a
	// prior assistant message.
	ToolUsePart struct {
		// ID is the provider-assigned call identifier.
		ID string
		// Name is the tool name.
		Name string
		// Input is the JSON arguments the model supplied.
		Input json.RawMessage
	}

	// ToolResultPart feeds a tool execution result back to the model.
	ToolResultPart struct {
		// ToolUseID references the originating ToolUsePart.ID.
		ToolUseID string
		// Content is the output fed back to the model.
		Content string
		// IsError marks the result as a tool failure the model may recover
		// from.
		IsError bool
	}

	// FilePart attaches a binary or text resource by mime type.
	FilePart struct {
		MimeType string
		Name     string
		Data     []byte
	}

	// ToolDefinition describes a tool schema passed to providers for
	// function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema describing the tool's arguments,
		// typically a map[string]any with "type": "object".
		InputSchema any
	}

	// StreamEvent is a neutral streaming event decoded from the provider
	// wire. The Kind value indicates which payload fields are populated.
	StreamEvent struct {
		// Kind is the event kind. One of the EventKind constants.
		Kind EventKind
		// Text carries the delta for text and reasoning events.
		Text string
		// ToolCall is populated for tool-call-start and tool-call-end.
		ToolCall *ToolCall
		// CallID and Delta are populated for tool-call-delta events with
		// the streamed argument fragment.
		CallID string
		Delta  string
		// Finish is populated for finish events.
		Finish *Finish
		// Err is populated for error events.
		Err *ProviderError
	}

	// EventKind discriminates StreamEvent payloads.
	EventKind string

	// ToolCall captures a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier, unique within a
		// session.
		ID string
		// Name identifies which tool should be invoked.
		Name string
		// Input is the complete JSON arguments. Empty until the
		// tool-call-end event.
		Input json.RawMessage
	}

	// Finish carries the terminal metadata for one model step.
	Finish struct {
		// Reason is the neutral finish reason.
		Reason FinishReason
		// RawReason preserves the provider value verbatim for diagnostics.
		RawReason string
		// Usage reports token usage. Fields the provider did not supply are
		// explicitly unknown, never zero.
		Usage Usage
	}
)

func (TextPart) isPart()       {}
func (ReasoningPart) isPart()  {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}
func (FilePart) isPart()       {}

// Transcript roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Stream event kinds. These values populate StreamEvent.Kind.
const (
	EventTextDelta      EventKind = "text-delta"
	EventReasoningDelta EventKind = "reasoning-delta"
	EventToolCallStart  EventKind = "tool-call-start"
	EventToolCallDelta  EventKind = "tool-call-delta"
	EventToolCallEnd    EventKind = "tool-call-end"
	EventFinish         EventKind = "finish"
	EventError          EventKind = "error"
)

// ErrRateLimited is returned (possibly wrapped) by provider adapters when the
// provider signaled rate limiting at the body level rather than via HTTP 429.
var ErrRateLimited = errors.New("model: rate limited")
