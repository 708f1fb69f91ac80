// Package pulse mirrors session bus events into goa.design/pulse streams so
// out-of-process consumers can follow live sessions over Redis. Each session
// maps to the stream "session/<id>". The mirror is an optional sink: publish
// failures are logged and skipped, they never affect the session engine.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/sidekick/features/stream/pulse/clients/pulse"
	"goa.design/sidekick/runtime/events"
)

type (
	// Mirror publishes bus events to per-session Pulse streams.
	Mirror struct {
		client pulse.Client

		mu      sync.Mutex
		streams map[string]pulse.Stream
	}

	// envelope is the wire shape of one mirrored event.
	envelope struct {
		// Type is the bus event type (e.g., "message.part.updated").
		Type string `json:"type"`
		// SessionID links the event to its session.
		SessionID string `json:"session_id"`
		// Timestamp is the event creation time in UTC.
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// NewMirror constructs a Mirror publishing through the given client.
func NewMirror(client pulse.Client) (*Mirror, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Mirror{client: client, streams: make(map[string]pulse.Stream)}, nil
}

// Run consumes bus events until the channel closes or ctx is canceled. Call
// it on its own goroutine with a channel obtained from Bus.Subscribe.
func (m *Mirror) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := m.publish(ctx, ev); err != nil {
				log.Error(ctx, err, log.KV{K: "event", V: string(ev.Type())},
					log.KV{K: "session", V: ev.SessionID()})
			}
		}
	}
}

// publish mirrors one event. Engine-wide events with no session are skipped;
// they have no stream to land on.
func (m *Mirror) publish(ctx context.Context, ev events.Event) error {
	sessionID := ev.SessionID()
	if sessionID == "" {
		return nil
	}
	stream, err := m.stream(sessionID)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(ev.Type()),
		SessionID: sessionID,
		Timestamp: time.UnixMilli(ev.Timestamp()).UTC(),
		Payload:   payload(ev),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, env.Type, raw)
	return err
}

// stream returns the cached handle for the session, opening it on first use.
func (m *Mirror) stream(sessionID string) (pulse.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[sessionID]; ok {
		return s, nil
	}
	s, err := m.client.Stream("session/" + sessionID)
	if err != nil {
		return nil, err
	}
	m.streams[sessionID] = s
	return s, nil
}

// payload extracts the event-specific data carried in the envelope.
func payload(ev events.Event) any {
	switch ev := ev.(type) {
	case *events.PartUpdatedEvent:
		return map[string]any{"message_id": ev.MessageID, "part": ev.Part}
	case *events.MessageCreatedEvent:
		return map[string]any{"message_id": ev.MessageID, "role": ev.Role}
	case *events.SessionErrorEvent:
		return map[string]any{"error": ev.Err.Error()}
	case *events.DiagnosticEvent:
		return map[string]any{"code": ev.Code, "message": ev.Message, "kv": ev.KV}
	}
	return nil
}
