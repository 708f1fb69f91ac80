// Package emit renders bus events as newline-delimited JSON on an output
// stream. Machine consumers read one JSON object per line (compact mode);
// humans get the same objects pretty-printed, which stays parseable because
// top-level object boundaries are preserved.
package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"goa.design/sidekick/runtime/events"
	"goa.design/sidekick/runtime/session"
)

type (
	// Emitter serializes events to a writer. Safe for concurrent Emit
	// calls; output lines are never interleaved.
	Emitter struct {
		mu   sync.Mutex
		out  io.Writer
		opts Options
	}

	// Options selects the output shape.
	Options struct {
		// Dialect selects the top-level event shape.
		Dialect Dialect
		// Compact emits one object per line without indentation. The
		// default pretty-prints with two-space indent.
		Compact bool
	}

	// Dialect identifies an output event shape.
	Dialect string

	// openEvent is the default (dialect O) shape.
	openEvent struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
		SessionID string `json:"sessionID"`
		Part      any    `json:"part,omitempty"`
		Message   string `json:"message,omitempty"`
	}

	// compactEvent is the dialect C shape.
	compactEvent struct {
		Event     string `json:"e"`
		Timestamp int64  `json:"ts"`
		SessionID string `json:"s"`
		Data      any    `json:"d,omitempty"`
		Message   string `json:"m,omitempty"`
	}
)

// Supported dialects.
const (
	DialectOpen    Dialect = "o"
	DialectCompact Dialect = "c"
)

// Output event types (dialect O).
const (
	TypeStepStart  = "step_start"
	TypeStepFinish = "step_finish"
	TypeText       = "text"
	TypeToolUse    = "tool_use"
	TypeError      = "error"
	TypeStatus     = "status"
)

// New constructs an Emitter writing to out.
func New(out io.Writer, opts Options) *Emitter {
	if opts.Dialect == "" {
		opts.Dialect = DialectOpen
	}
	return &Emitter{out: out, opts: opts}
}

// Run consumes events from ch until it closes. Typically fed from a bus
// subscription filtered to one session.
func (e *Emitter) Run(ch <-chan events.Event) error {
	for ev := range ch {
		if err := e.Emit(ev); err != nil {
			return err
		}
	}
	return nil
}

// Emit writes one event. Events that have no output representation (for
// example message.created) are dropped silently.
func (e *Emitter) Emit(ev events.Event) error {
	typ, part, msg := classify(ev)
	if typ == "" {
		return nil
	}

	var payload any
	switch e.opts.Dialect {
	case DialectCompact:
		payload = compactEvent{
			Event:     typ,
			Timestamp: ev.Timestamp(),
			SessionID: ev.SessionID(),
			Data:      part,
			Message:   msg,
		}
	default:
		payload = openEvent{
			Type:      typ,
			Timestamp: ev.Timestamp(),
			SessionID: ev.SessionID(),
			Part:      part,
			Message:   msg,
		}
	}

	var (
		raw []byte
		err error
	)
	if e.opts.Compact {
		raw, err = json.Marshal(payload)
	} else {
		raw, err = json.MarshalIndent(payload, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("emit: encode event: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.out.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("emit: write event: %w", err)
	}
	return nil
}

// classify maps a bus event to its output type. An empty type means the
// event is not part of the output stream.
func classify(ev events.Event) (typ string, part any, msg string) {
	switch ev := ev.(type) {
	case *events.PartUpdatedEvent:
		p, ok := ev.Part.(*session.Part)
		if !ok {
			return "", nil, ""
		}
		switch p.Kind {
		case session.KindStepStart:
			return TypeStepStart, p, ""
		case session.KindStepFinish:
			return TypeStepFinish, p, ""
		case session.KindText, session.KindReasoning:
			return TypeText, p, ""
		case session.KindTool:
			return TypeToolUse, p, ""
		case session.KindFile:
			return TypeText, p, ""
		}
		return "", nil, ""
	case *events.SessionErrorEvent:
		return TypeError, nil, ev.Err.Error()
	case *events.SessionIdleEvent:
		return TypeStatus, nil, "idle"
	case *events.DiagnosticEvent:
		return TypeStatus, map[string]any{"code": ev.Code, "details": ev.KV}, ev.Message
	case *events.SubscriberOverflowEvent:
		return TypeStatus, map[string]any{"dropped": ev.Dropped}, "subscriber overflow"
	}
	return "", nil, ""
}
