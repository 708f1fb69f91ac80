// Package events provides the in-process publish/subscribe hub the engine
// uses to fan session updates out to consumers. The processor and session
// store publish typed events; the output emitter and optional sinks subscribe
// with per-subscriber bounded queues so a slow consumer never blocks the
// engine.
package events

import "time"

type (
	// Event is the interface all bus events implement. Concrete event types
	// carry typed payloads for each lifecycle phase. Subscribers use type
	// switches to access event-specific fields.
	Event interface {
		// Type returns the event type constant (e.g., SessionIdle,
		// PartUpdated). Subscribers use this to filter or route events
		// without type assertions.
		Type() EventType
		// SessionID returns the session the event belongs to. Engine-wide
		// diagnostics return an empty string.
		SessionID() string
		// Timestamp returns the Unix timestamp in milliseconds when the
		// event was created. Events are timestamped at creation, not at
		// delivery.
		Timestamp() int64
	}

	// EventType identifies the kind of a bus event.
	EventType string

	baseEvent struct {
		session string
		ts      int64
	}

	// SessionIdleEvent fires when a session finishes a turn and is ready for
	// the next prompt.
	SessionIdleEvent struct {
		baseEvent
	}

	// SessionErrorEvent fires when a turn terminates with an error the
	// session could not recover from.
	SessionErrorEvent struct {
		baseEvent
		// Err is the terminal error. Never nil.
		Err error
	}

	// MessageCreatedEvent fires when a new message is appended to a session
	// ledger.
	MessageCreatedEvent struct {
		baseEvent
		// MessageID identifies the new message.
		MessageID string
		// Role is "user" or "assistant".
		Role string
	}

	// PartUpdatedEvent fires every time a message part is appended or
	// patched. Part is an immutable snapshot taken at publication time.
	PartUpdatedEvent struct {
		baseEvent
		// MessageID identifies the message owning the part.
		MessageID string
		// Part is a deep copy of the part at the time of the update.
		// Subscribers must not mutate it.
		Part any
	}

	// DiagnosticEvent carries engine diagnostics such as skipped SSE frames
	// or retry waits. Diagnostics are informational; they never terminate a
	// session.
	DiagnosticEvent struct {
		baseEvent
		// Code is a stable machine-readable diagnostic code (e.g.,
		// "sse.frame_skipped", "transport.rate_limited").
		Code string
		// Message is a human-readable summary.
		Message string
		// KV carries structured diagnostic fields. Duration fields use unit
		// suffixes (delayMs, elapsedMs, remainingBudgetMs).
		KV map[string]any
	}

	// SubscriberOverflowEvent fires when a subscriber queue exceeded its
	// bound and old events were dropped for that subscriber.
	SubscriberOverflowEvent struct {
		baseEvent
		// Subscriber is the identifier assigned at subscription time.
		Subscriber int
		// Dropped is the number of events dropped since the last overflow
		// notification for this subscriber.
		Dropped int
	}
)

// Bus event type constants. These values populate Event.Type().
const (
	SessionIdle        EventType = "session.idle"
	SessionError       EventType = "session.error"
	MessageCreated     EventType = "message.created"
	PartUpdated        EventType = "message.part.updated"
	Diagnostic         EventType = "engine.diagnostic"
	SubscriberOverflow EventType = "subscriber.overflow"
)

func newBase(session string) baseEvent {
	return baseEvent{session: session, ts: time.Now().UnixMilli()}
}

func (e baseEvent) SessionID() string { return e.session }
func (e baseEvent) Timestamp() int64  { return e.ts }

func (SessionIdleEvent) Type() EventType        { return SessionIdle }
func (SessionErrorEvent) Type() EventType       { return SessionError }
func (MessageCreatedEvent) Type() EventType     { return MessageCreated }
func (PartUpdatedEvent) Type() EventType        { return PartUpdated }
func (DiagnosticEvent) Type() EventType         { return Diagnostic }
func (SubscriberOverflowEvent) Type() EventType { return SubscriberOverflow }

// NewSessionIdle builds a SessionIdleEvent for the given session.
func NewSessionIdle(sessionID string) *SessionIdleEvent {
	return &SessionIdleEvent{baseEvent: newBase(sessionID)}
}

// NewSessionError builds a SessionErrorEvent for the given session.
func NewSessionError(sessionID string, err error) *SessionErrorEvent {
	return &SessionErrorEvent{baseEvent: newBase(sessionID), Err: err}
}

// NewMessageCreated builds a MessageCreatedEvent.
func NewMessageCreated(sessionID, messageID, role string) *MessageCreatedEvent {
	return &MessageCreatedEvent{baseEvent: newBase(sessionID), MessageID: messageID, Role: role}
}

// NewPartUpdated builds a PartUpdatedEvent carrying a part snapshot.
func NewPartUpdated(sessionID, messageID string, part any) *PartUpdatedEvent {
	return &PartUpdatedEvent{baseEvent: newBase(sessionID), MessageID: messageID, Part: part}
}

// NewDiagnostic builds a DiagnosticEvent. kv may be nil.
func NewDiagnostic(sessionID, code, message string, kv map[string]any) *DiagnosticEvent {
	return &DiagnosticEvent{baseEvent: newBase(sessionID), Code: code, Message: message, KV: kv}
}
