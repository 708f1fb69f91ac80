// Package session holds the authoritative in-memory state for active
// sessions: the message ledger, the part state machines, and the store that
// serializes mutations and publishes snapshots to the event bus. All other
// components observe sessions through immutable snapshots.
package session

import (
	"encoding/json"
	"fmt"

	"goa.design/sidekick/runtime/model"
)

type (
	// PartKind discriminates the part union.
	PartKind string

	// ToolStatus is the tool part state machine status. The legal value set
	// is fixed by the embedded schema; see Validate.
	ToolStatus string

	// Part is an atomic, typed unit within a message. Kind selects which
	// payload fields are populated. Once a part reaches a terminal state it
	// is immutable.
	Part struct {
		// ID uniquely identifies the part within its session.
		ID string `json:"id"`
		// MessageID identifies the owning message.
		MessageID string `json:"messageID"`
		// SessionID identifies the owning session.
		SessionID string `json:"sessionID"`
		// Kind is the part kind. One of the PartKind constants.
		Kind PartKind `json:"kind"`

		// Text carries prose for text and reasoning parts.
		Text string `json:"text,omitempty"`
		// Done marks text and reasoning parts complete.
		Done bool `json:"done,omitempty"`

		// Tool is the tool name for tool parts.
		Tool string `json:"tool,omitempty"`
		// CallID is the provider-assigned tool call identifier, unique
		// within the session and never reused.
		CallID string `json:"callID,omitempty"`
		// State is the tool part state machine payload.
		State *ToolState `json:"state,omitempty"`
		// Time records when a tool call started running and when it reached
		// a terminal state.
		Time *ToolTime `json:"time,omitempty"`

		// Finish carries step-finish metadata.
		Finish *StepFinish `json:"finish,omitempty"`

		// File carries attached resources for file parts.
		File *FileRef `json:"file,omitempty"`
	}

	// ToolState is the mutable payload of a tool part. Status drives the
	// state machine; the remaining fields accumulate while the part is
	// non-terminal.
	ToolState struct {
		// Status is the current state machine position.
		Status ToolStatus `json:"status"`
		// Input is the JSON argument buffer. It grows while arguments
		// stream and freezes when the call starts running.
		Input json.RawMessage `json:"input,omitempty"`
		// Title is the short human title reported by the tool.
		Title string `json:"title,omitempty"`
		// Output is the tool output fed back to the model.
		Output string `json:"output,omitempty"`
		// Error is the failure message for error and aborted states.
		Error string `json:"error,omitempty"`
		// Metadata is opaque structured data surfaced to the emitter.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// ToolTime records when a tool call started running and when it reached
	// a terminal state, in Unix milliseconds. Zero means not yet.
	ToolTime struct {
		Start int64 `json:"start,omitempty"`
		End   int64 `json:"end,omitempty"`
	}

	// StepFinish is the payload of a step-finish part.
	StepFinish struct {
		// Reason is the neutral finish reason.
		Reason model.FinishReason `json:"reason"`
		// RawReason preserves the provider value verbatim.
		RawReason string `json:"rawReason,omitempty"`
		// Usage reports step token usage; unknown counts stay explicit.
		Usage model.Usage `json:"tokens"`
		// Cost is the computed dollar cost, unknown when usage or rates are.
		Cost model.Cost `json:"cost"`
	}

	// FileRef is the payload of a file part.
	FileRef struct {
		MimeType string `json:"mime"`
		Name     string `json:"name,omitempty"`
		Data     []byte `json:"data,omitempty"`
	}
)

// Part kinds.
const (
	KindText       PartKind = "text"
	KindReasoning  PartKind = "reasoning"
	KindStepStart  PartKind = "step-start"
	KindStepFinish PartKind = "step-finish"
	KindTool       PartKind = "tool"
	KindFile       PartKind = "file"
)

// Tool part statuses. This set is closed: the schema in schema.go is the
// single source of truth and Validate rejects anything else.
const (
	StatusPending   ToolStatus = "pending"
	StatusRunning   ToolStatus = "running"
	StatusCompleted ToolStatus = "completed"
	StatusError     ToolStatus = "error"
	StatusAborted   ToolStatus = "aborted"
)

// toolTransitions enumerates the legal state machine edges.
var toolTransitions = map[ToolStatus][]ToolStatus{
	StatusPending:   {StatusRunning, StatusError, StatusAborted},
	StatusRunning:   {StatusCompleted, StatusError, StatusAborted},
	StatusCompleted: nil,
	StatusError:     nil,
	StatusAborted:   nil,
}

// TerminalStatus reports whether the status ends the state machine.
func TerminalStatus(s ToolStatus) bool {
	switch s {
	case StatusCompleted, StatusError, StatusAborted:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits moving from one
// status to another.
func CanTransition(from, to ToolStatus) bool {
	for _, next := range toolTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the part is frozen. Text and reasoning parts are
// terminal once marked done; tool parts once their status is terminal;
// step markers and files are terminal on creation.
func (p *Part) Terminal() bool {
	switch p.Kind {
	case KindText, KindReasoning:
		return p.Done
	case KindTool:
		return p.State != nil && TerminalStatus(p.State.Status)
	default:
		return true
	}
}

// Clone returns a deep copy of the part suitable for publication.
func (p *Part) Clone() *Part {
	if p == nil {
		return nil
	}
	out := *p
	if p.State != nil {
		st := *p.State
		if len(p.State.Input) > 0 {
			st.Input = append(json.RawMessage(nil), p.State.Input...)
		}
		if p.State.Metadata != nil {
			st.Metadata = make(map[string]any, len(p.State.Metadata))
			for k, v := range p.State.Metadata {
				st.Metadata[k] = v
			}
		}
		out.State = &st
	}
	if p.Time != nil {
		tm := *p.Time
		out.Time = &tm
	}
	if p.Finish != nil {
		f := *p.Finish
		out.Finish = &f
	}
	if p.File != nil {
		f := *p.File
		f.Data = append([]byte(nil), p.File.Data...)
		out.File = &f
	}
	return &out
}

// check enforces structural invariants that do not depend on prior state.
func (p *Part) check() error {
	switch p.Kind {
	case KindText, KindReasoning, KindStepStart, KindFile:
	case KindStepFinish:
		if p.Finish == nil {
			return fmt.Errorf("step-finish part requires finish payload")
		}
	case KindTool:
		if p.Tool == "" {
			return fmt.Errorf("tool part requires tool name")
		}
		if p.CallID == "" {
			return fmt.Errorf("tool part requires call id")
		}
		if p.State == nil {
			return fmt.Errorf("tool part requires state")
		}
	default:
		return fmt.Errorf("unknown part kind %q", p.Kind)
	}
	return nil
}
