// Package agent drives conversations: it turns a submitted prompt into one or
// more model steps, materializes streamed output as message parts, dispatches
// tool calls, and loops while the model keeps requesting tools. All state
// changes flow through the session store so observers see a consistent,
// ordered ledger.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"goa.design/sidekick/runtime/events"
	"goa.design/sidekick/runtime/model"
	"goa.design/sidekick/runtime/session"
	"goa.design/sidekick/runtime/telemetry"
	"goa.design/sidekick/runtime/tools"
)

type (
	// Processor runs turns for sessions. Safe for concurrent use; each
	// session runs at most one turn at a time by construction (the caller
	// serializes prompts per session).
	Processor struct {
		store   *session.Store
		models  *model.Registry
		tools   *tools.Registry
		bus     *events.Bus
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		opts    Options
	}

	// Options configures turn behavior.
	Options struct {
		// Temperature is the sampling temperature passed to providers.
		Temperature float64
		// MaxTokens caps completion tokens per step. Zero means provider
		// default.
		MaxTokens int
		// Metrics and Tracer instrument turns. Nil means no-op.
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// step accumulates the working state of one model step.
	step struct {
		sessionID string
		messageID string

		textPartID      string
		reasoningPartID string

		argBufs  map[string]*bytes.Buffer
		toolPart map[string]string // call ID -> part ID
		toolName map[string]string

		wg        sync.WaitGroup
		succeeded atomic.Int64

		finish *model.Finish
	}
)

// New constructs a Processor.
func New(store *session.Store, models *model.Registry, registry *tools.Registry, bus *events.Bus, opts Options) (*Processor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if models == nil {
		return nil, errors.New("model registry is required")
	}
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer{}
	}
	return &Processor{
		store:   store,
		models:  models,
		tools:   registry,
		bus:     bus,
		metrics: metrics,
		tracer:  tracer,
		opts:    opts,
	}, nil
}

// Prompt runs one turn: it appends the user message and steps the model until
// it stops requesting tools. On return the session has either reached idle or
// failed with a session error; both outcomes are published on the bus. Every
// tool part is in a terminal state on return, whatever the exit path.
//
// The user message and its text part are recorded and published before the
// first step opens: observers see the echoed prompt, then the step boundary.
// Step parts belong to assistant messages only.
func (p *Processor) Prompt(ctx context.Context, sessionID, text string) (err error) {
	defer func() {
		p.terminalize(ctx, sessionID, err)
		if err != nil {
			p.bus.Publish(events.NewSessionError(sessionID, err))
		} else {
			p.bus.Publish(events.NewSessionIdle(sessionID))
		}
	}()

	userMsg, err := p.store.AppendMessage(sessionID, string(model.RoleUser))
	if err != nil {
		return err
	}
	if _, err = p.store.AppendPart(sessionID, userMsg.ID, &session.Part{
		Kind: session.KindText,
		Text: text,
		Done: true,
	}); err != nil {
		return err
	}

	for {
		cont, stepErr := p.runStep(ctx, sessionID)
		if stepErr != nil {
			err = stepErr
			return err
		}
		if !cont {
			return nil
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			return err
		}
	}
}

// runStep performs one model invocation and reports whether the turn should
// continue with another step.
func (p *Processor) runStep(ctx context.Context, sessionID string) (cont bool, err error) {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "agent.step")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		p.metrics.IncCounter(telemetry.MetricSteps, 1)
		p.metrics.RecordTimer(telemetry.MetricStepDuration, time.Since(started))
	}()

	sess, err := p.store.Get(sessionID)
	if err != nil {
		return false, err
	}

	msg, err := p.store.AppendMessage(sessionID, string(model.RoleAssistant))
	if err != nil {
		return false, err
	}
	if _, err := p.store.AppendPart(sessionID, msg.ID, &session.Part{Kind: session.KindStepStart}); err != nil {
		return false, err
	}

	// Every step-start must be paired with a step-finish, including when the
	// stream never opens. Failures before the normal finish path fall through
	// here with an error outcome.
	finished := false
	defer func() {
		if finished {
			return
		}
		if _, aerr := p.store.AppendPart(sessionID, msg.ID, &session.Part{
			Kind:   session.KindStepFinish,
			Finish: &session.StepFinish{Reason: model.FinishError},
		}); aerr != nil {
			log.Error(ctx, aerr, log.KV{K: "msg", V: "close failed step"}, log.KV{K: "messageID", V: msg.ID})
		}
	}()

	sel, err := p.models.Resolve(ctx, modelRef(sess))
	if err != nil {
		return false, err
	}

	// Snapshot again so the transcript includes the user message and any
	// prior-step tool results.
	sess, err = p.store.Get(sessionID)
	if err != nil {
		return false, err
	}
	req := &model.Request{
		Model:       sel.Model,
		System:      sess.System,
		Messages:    session.Transcript(sess),
		Tools:       p.tools.Describe(),
		Temperature: p.opts.Temperature,
		MaxTokens:   p.opts.MaxTokens,
	}

	stream, err := sel.Client.Stream(ctx, req)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	st := &step{
		sessionID: sessionID,
		messageID: msg.ID,
		argBufs:   make(map[string]*bytes.Buffer),
		toolPart:  make(map[string]string),
		toolName:  make(map[string]string),
	}
	streamErr := p.consume(ctx, st, stream)
	p.closeOpenParts(ctx, st)

	finish := st.finish
	if finish == nil {
		finish = &model.Finish{Reason: model.FinishUnknown}
		if streamErr != nil {
			finish.Reason = model.FinishError
		}
	}
	cost := p.models.Cost(sel.Provider, sel.Model, finish.Usage)
	finished = true
	if _, err := p.store.AppendPart(sessionID, msg.ID, &session.Part{
		Kind: session.KindStepFinish,
		Finish: &session.StepFinish{
			Reason:    finish.Reason,
			RawReason: finish.RawReason,
			Usage:     finish.Usage,
			Cost:      cost,
		},
	}); err != nil {
		return false, err
	}

	// Tool executions keep running while the finish part is published; the
	// step does not complete until every one reached a terminal state.
	st.wg.Wait()

	if streamErr != nil {
		return false, streamErr
	}
	return finish.Reason == model.FinishToolUse && st.succeeded.Load() > 0, nil
}

// consume drains the stream, materializing neutral events as ledger updates.
func (p *Processor) consume(ctx context.Context, st *step, stream model.Stream) error {
	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch ev.Kind {
		case model.EventTextDelta:
			if err := p.appendText(st, &st.textPartID, session.KindText, ev.Text); err != nil {
				return err
			}
		case model.EventReasoningDelta:
			if err := p.appendText(st, &st.reasoningPartID, session.KindReasoning, ev.Text); err != nil {
				return err
			}
		case model.EventToolCallStart:
			if err := p.startToolCall(st, ev.ToolCall); err != nil {
				return err
			}
		case model.EventToolCallDelta:
			if buf, ok := st.argBufs[ev.CallID]; ok {
				buf.WriteString(ev.Delta)
			}
		case model.EventToolCallEnd:
			if err := p.endToolCall(ctx, st, ev.ToolCall); err != nil {
				return err
			}
		case model.EventFinish:
			st.finish = ev.Finish
			return nil
		case model.EventError:
			if ev.Err != nil && ev.Err.Kind == model.ErrorKindStreamParse {
				// Malformed frames are survivable; log and keep reading.
				log.Warn(ctx,
					log.KV{K: "msg", V: "skipping malformed stream payload"},
					log.KV{K: "err", V: ev.Err.Error()},
				)
				p.metrics.IncCounter(telemetry.MetricSkippedFrames, 1)
				p.bus.Publish(events.NewDiagnostic(st.sessionID, "sse.frame_skipped", ev.Err.Message, nil))
				continue
			}
			if ev.Err != nil {
				return ev.Err
			}
			return fmt.Errorf("provider reported an unspecified stream error")
		}
	}
}

// appendText grows the open text or reasoning part, creating it on the first
// delta of the step.
func (p *Processor) appendText(st *step, partID *string, kind session.PartKind, delta string) error {
	if *partID == "" {
		part, err := p.store.AppendPart(st.sessionID, st.messageID, &session.Part{Kind: kind, Text: delta})
		if err != nil {
			return err
		}
		*partID = part.ID
		return nil
	}
	_, err := p.store.UpdatePart(st.sessionID, *partID, func(part *session.Part) error {
		part.Text += delta
		return nil
	})
	return err
}

// startToolCall appends the pending tool part and opens its argument buffer.
func (p *Processor) startToolCall(st *step, call *model.ToolCall) error {
	if call == nil {
		return fmt.Errorf("tool-call-start event carries no call")
	}
	part, err := p.store.AppendPart(st.sessionID, st.messageID, &session.Part{
		Kind:   session.KindTool,
		Tool:   call.Name,
		CallID: call.ID,
		State:  &session.ToolState{Status: session.StatusPending},
	})
	if err != nil {
		return err
	}
	buf := &bytes.Buffer{}
	buf.Write(call.Input)
	st.argBufs[call.ID] = buf
	st.toolPart[call.ID] = part.ID
	st.toolName[call.ID] = call.Name
	return nil
}

// endToolCall freezes the argument buffer, moves the part to running and
// dispatches the execution on its own goroutine.
func (p *Processor) endToolCall(ctx context.Context, st *step, call *model.ToolCall) error {
	if call == nil {
		return fmt.Errorf("tool-call-end event carries no call")
	}
	partID, ok := st.toolPart[call.ID]
	if !ok {
		return fmt.Errorf("tool-call-end for unknown call %q", call.ID)
	}

	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(st.argBufs[call.ID].Bytes())
	}
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage(`{}`)
	}

	if _, err := p.store.UpdatePart(st.sessionID, partID, func(part *session.Part) error {
		part.State.Status = session.StatusRunning
		part.State.Input = input
		part.Time = &session.ToolTime{Start: time.Now().UnixMilli()}
		return nil
	}); err != nil {
		return err
	}

	name := tools.Ident(st.toolName[call.ID])
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		p.runTool(ctx, st, name, call.ID, partID, input)
	}()
	return nil
}

// runTool executes one tool call and records its terminal state.
func (p *Processor) runTool(ctx context.Context, st *step, name tools.Ident, callID, partID string, input json.RawMessage) {
	tc := &tools.Context{
		SessionID: st.sessionID,
		CallID:    callID,
		PublishPartial: func(patch tools.Partial) {
			_, _ = p.store.UpdatePart(st.sessionID, partID, func(part *session.Part) error {
				if patch.Title != "" {
					part.State.Title = patch.Title
				}
				for k, v := range patch.Metadata {
					if part.State.Metadata == nil {
						part.State.Metadata = make(map[string]any)
					}
					part.State.Metadata[k] = v
				}
				return nil
			})
		},
	}

	res, err := p.tools.Execute(ctx, name, input, tc)
	end := time.Now().UnixMilli()
	switch {
	case err == nil:
		st.succeeded.Add(1)
		p.metrics.IncCounter(telemetry.MetricToolCalls, 1, "tool", string(name), "outcome", "completed")
		_, err = p.store.UpdatePart(st.sessionID, partID, func(part *session.Part) error {
			part.State.Status = session.StatusCompleted
			part.State.Output = res.Output
			if res.Title != "" {
				part.State.Title = res.Title
			}
			if len(res.Metadata) > 0 {
				part.State.Metadata = res.Metadata
			}
			part.Time.End = end
			return nil
		})
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "record tool completion"}, log.KV{K: "callID", V: callID})
		}
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		p.metrics.IncCounter(telemetry.MetricToolCalls, 1, "tool", string(name), "outcome", "aborted")
		p.transitionTool(partID, st.sessionID, session.StatusAborted, err.Error(), end)
	default:
		p.metrics.IncCounter(telemetry.MetricToolCalls, 1, "tool", string(name), "outcome", "error")
		p.transitionTool(partID, st.sessionID, session.StatusError, err.Error(), end)
	}
}

// closeOpenParts marks in-progress text and reasoning parts done at the end of
// a step.
func (p *Processor) closeOpenParts(ctx context.Context, st *step) {
	for _, id := range []string{st.textPartID, st.reasoningPartID} {
		if id == "" {
			continue
		}
		if _, err := p.store.UpdatePart(st.sessionID, id, func(part *session.Part) error {
			part.Done = true
			return nil
		}); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close text part"}, log.KV{K: "partID", V: id})
		}
	}
}

// terminalize enforces the cleanup invariant: after a turn, no tool part may
// remain in a non-terminal state. Cancellation maps to aborted, everything
// else to error. Transitions use the same state machine as normal execution.
func (p *Processor) terminalize(ctx context.Context, sessionID string, cause error) {
	sess, err := p.store.Get(sessionID)
	if err != nil {
		return
	}
	status := session.StatusError
	msg := "step terminated before the tool finished"
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		status = session.StatusAborted
		msg = "canceled"
	}
	now := time.Now().UnixMilli()
	for _, m := range sess.Messages {
		for _, part := range m.Parts {
			if part.Kind != session.KindTool || part.Terminal() {
				continue
			}
			p.transitionTool(part.ID, sessionID, status, msg, now)
		}
	}
}

// transitionTool moves a tool part to a terminal status, routing pending parts
// through running first so every path follows the legal state machine edges.
func (p *Processor) transitionTool(partID, sessionID string, status session.ToolStatus, errMsg string, end int64) {
	_, err := p.store.UpdatePart(sessionID, partID, func(part *session.Part) error {
		if status == session.StatusCompleted && part.State.Status == session.StatusPending {
			return fmt.Errorf("pending tool part cannot complete directly")
		}
		part.State.Status = status
		if status != session.StatusCompleted {
			part.State.Error = errMsg
		}
		if part.Time == nil {
			part.Time = &session.ToolTime{Start: end}
		}
		part.Time.End = end
		return nil
	})
	if err != nil {
		log.Error(context.Background(), err,
			log.KV{K: "msg", V: "transition tool part"},
			log.KV{K: "partID", V: partID},
			log.KV{K: "status", V: string(status)},
		)
	}
}

// modelRef builds the model reference recorded on the session.
func modelRef(sess *session.Session) string {
	if sess.Provider != "" {
		return sess.Provider + "/" + sess.Model
	}
	return sess.Model
}
