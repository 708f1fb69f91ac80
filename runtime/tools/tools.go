// Package tools defines the contract between the session engine and tool
// implementations: discovery, argument schemas, execution context, streaming
// partial state, and result serialization. Tool implementations live outside
// the engine core and register at program start.
package tools

import (
	"context"
	"encoding/json"
)

type (
	// Ident is a unique tool identifier presented to the model.
	Ident string

	// Tool is implemented by every executable tool.
	Tool interface {
		// Name returns the stable tool identifier.
		Name() Ident
		// Description documents the tool for prompting purposes.
		Description() string
		// Schema returns the JSON Schema describing the tool's arguments,
		// typically a map[string]any with "type": "object".
		Schema() map[string]any
		// Execute runs the tool. Implementations must honor ctx
		// cancellation and exit promptly when signaled; a canceled
		// execution is recorded as aborted, not as an error.
		Execute(ctx context.Context, args json.RawMessage, tc *Context) (*Result, error)
	}

	// Context carries per-invocation metadata into a tool execution.
	Context struct {
		// SessionID identifies the owning session.
		SessionID string
		// CallID is the provider-assigned call identifier.
		CallID string
		// PublishPartial streams in-flight state updates (progress titles,
		// partial metadata) to observers. May be nil; implementations must
		// treat it as optional. It may briefly block when the owning
		// session's bus queue is full.
		PublishPartial func(patch Partial)
	}

	// Partial is an in-flight state patch published by a running tool.
	Partial struct {
		// Title replaces the part title when non-empty.
		Title string
		// Metadata is merged into the part metadata.
		Metadata map[string]any
	}

	// Result is the outcome of a tool execution.
	Result struct {
		// Title is a short human-readable summary.
		Title string
		// Output is the text fed back to the model.
		Output string
		// Metadata is opaque structured data surfaced to event consumers,
		// never to the model.
		Metadata map[string]any
	}
)
