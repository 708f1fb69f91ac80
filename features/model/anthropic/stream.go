package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"goa.design/sidekick/runtime/model"
	"goa.design/sidekick/runtime/sse"
)

type (
	// stream yields neutral events decoded from the Messages SSE stream.
	stream struct {
		reader    *sse.Reader
		processor *processor
		done      bool
	}

	// processor converts SDK stream events into neutral events. Tool input
	// fragments accumulate per content block index until the block closes.
	processor struct {
		queue  []model.StreamEvent
		blocks map[int]*toolBlock

		usage model.Usage
		// envUsage holds counts relayed through a gateway metadata envelope.
		// Standard usage fields win; the envelope only fills unknowns.
		envUsage   model.Usage
		stopReason string
	}

	toolBlock struct {
		id        string
		name      string
		fragments []string
	}

	// envelope peeks at the frame type before union decoding so provider
	// error frames keep their structure.
	envelope struct {
		Type string `json:"type"`
	}

	// sidecar captures gateway metadata envelopes the SDK union does not
	// model.
	sidecar struct {
		Metadata map[string]struct {
			Usage *envelopeUsage `json:"usage"`
		} `json:"metadata"`
	}

	// envelopeUsage is the gateway fallback shape under
	// metadata.anthropic.usage.
	envelopeUsage struct {
		InputTokens  *int64 `json:"input_tokens"`
		OutputTokens *int64 `json:"output_tokens"`
	}

	errorFrame struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
)

// Recv implements model.Stream.
func (s *stream) Recv() (model.StreamEvent, error) {
	for {
		if ev, ok := s.processor.pop(); ok {
			return ev, nil
		}
		if s.done {
			return model.StreamEvent{}, io.EOF
		}
		payload, err := s.reader.Next()
		if err != nil {
			if err == io.EOF {
				// Flush whatever the processor buffered before the close.
				s.done = true
				continue
			}
			return model.StreamEvent{}, err
		}
		if err := s.processor.handle(payload); err != nil {
			return model.StreamEvent{}, err
		}
	}
}

// Close implements model.Stream.
func (s *stream) Close() error { return s.reader.Close() }

func newProcessor() *processor {
	return &processor{blocks: make(map[int]*toolBlock)}
}

func (p *processor) pop() (model.StreamEvent, bool) {
	if len(p.queue) == 0 {
		return model.StreamEvent{}, false
	}
	ev := p.queue[0]
	p.queue = p.queue[1:]
	return ev, true
}

func (p *processor) push(ev model.StreamEvent) { p.queue = append(p.queue, ev) }

// pushParseError surfaces a skipped frame as a survivable stream-parse error
// event.
func (p *processor) pushParseError(preview string) {
	p.push(model.StreamEvent{Kind: model.EventError, Err: &model.ProviderError{
		Provider:  ProviderID,
		Operation: "messages.stream",
		Kind:      model.ErrorKindStreamParse,
		Message:   fmt.Sprintf("malformed stream frame: %.200s", preview),
	}})
}

// handle decodes one SSE payload and enqueues the neutral events it implies.
func (p *processor) handle(payload json.RawMessage) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		p.pushParseError(string(payload))
		return nil
	}

	if env.Type == "error" {
		var frame errorFrame
		_ = json.Unmarshal(payload, &frame)
		p.push(model.StreamEvent{Kind: model.EventError, Err: &model.ProviderError{
			Provider:  ProviderID,
			Operation: "messages.stream",
			Kind:      errorKind(frame.Error.Type),
			Code:      frame.Error.Type,
			Message:   frame.Error.Message,
		}})
		return nil
	}

	var union sdk.MessageStreamEventUnion
	if err := json.Unmarshal(payload, &union); err != nil {
		p.pushParseError(string(payload))
		return nil
	}

	var side sidecar
	if err := json.Unmarshal(payload, &side); err == nil {
		p.recordEnvelopeUsage(&side)
	}

	switch ev := union.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.usage = p.usage.Merge(model.Usage{
			Input:      tokensIfSet(ev.Message.Usage.InputTokens),
			CacheRead:  tokensIfSet(ev.Message.Usage.CacheReadInputTokens),
			CacheWrite: tokensIfSet(ev.Message.Usage.CacheCreationInputTokens),
		})
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if tu.ID == "" || tu.Name == "" {
				return fmt.Errorf("anthropic: tool use block missing id or name")
			}
			p.blocks[int(ev.Index)] = &toolBlock{id: tu.ID, name: tu.Name}
			p.push(model.StreamEvent{Kind: model.EventToolCallStart, ToolCall: &model.ToolCall{
				ID:   tu.ID,
				Name: tu.Name,
			}})
		}
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				p.push(model.StreamEvent{Kind: model.EventTextDelta, Text: delta.Text})
			}
		case sdk.ThinkingDelta:
			if delta.Thinking != "" {
				p.push(model.StreamEvent{Kind: model.EventReasoningDelta, Text: delta.Thinking})
			}
		case sdk.InputJSONDelta:
			block := p.blocks[idx]
			if block == nil || delta.PartialJSON == "" {
				return nil
			}
			block.fragments = append(block.fragments, delta.PartialJSON)
			p.push(model.StreamEvent{
				Kind:   model.EventToolCallDelta,
				CallID: block.id,
				Delta:  delta.PartialJSON,
			})
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		block := p.blocks[idx]
		if block == nil {
			return nil
		}
		delete(p.blocks, idx)
		p.push(model.StreamEvent{Kind: model.EventToolCallEnd, ToolCall: &model.ToolCall{
			ID:    block.id,
			Name:  block.name,
			Input: block.input(),
		}})
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		p.usage = p.usage.Merge(model.Usage{
			Input:      tokensIfSet(ev.Usage.InputTokens),
			Output:     tokensIfSet(ev.Usage.OutputTokens),
			CacheRead:  tokensIfSet(ev.Usage.CacheReadInputTokens),
			CacheWrite: tokensIfSet(ev.Usage.CacheCreationInputTokens),
		})
	case sdk.MessageStopEvent:
		p.push(model.StreamEvent{Kind: model.EventFinish, Finish: &model.Finish{
			Reason:    model.MapFinishReason(p.stopReason),
			RawReason: p.stopReason,
			Usage:     p.usage.Merge(p.envUsage),
		}})
	}
	return nil
}

// recordEnvelopeUsage accumulates token counts relayed through a gateway
// metadata.anthropic.usage envelope. They apply at finish, after any standard
// usage fields.
func (p *processor) recordEnvelopeUsage(side *sidecar) {
	meta, ok := side.Metadata[ProviderID]
	if !ok || meta.Usage == nil {
		return
	}
	fallback := model.Usage{}
	if meta.Usage.InputTokens != nil {
		fallback.Input = model.Tokens(*meta.Usage.InputTokens)
	}
	if meta.Usage.OutputTokens != nil {
		fallback.Output = model.Tokens(*meta.Usage.OutputTokens)
	}
	p.envUsage = p.envUsage.Merge(fallback)
}

func (b *toolBlock) input() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(b.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}

// tokensIfSet maps the wire value to a known count only when positive; the
// Messages API omits counts it does not report, which decode as zero.
func tokensIfSet(n int64) model.TokenCount {
	if n <= 0 {
		return model.UnknownTokens()
	}
	return model.Tokens(n)
}

// errorKind maps Anthropic error types to the neutral taxonomy.
func errorKind(code string) model.ErrorKind {
	switch code {
	case "authentication_error", "permission_error":
		return model.ErrorKindAuth
	case "rate_limit_error":
		return model.ErrorKindRateLimited
	case "overloaded_error", "api_error":
		return model.ErrorKindUnavailable
	case "invalid_request_error", "not_found_error":
		return model.ErrorKindInvalidRequest
	}
	return model.ErrorKindUnknown
}
