package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	sdk "github.com/openai/openai-go"

	"goa.design/sidekick/runtime/model"
	"goa.design/sidekick/runtime/sse"
)

type (
	// stream yields neutral events decoded from the Chat Completions SSE
	// stream. Tool calls and the finish event are flushed when the provider
	// signals end of stream, because argument fragments keep arriving until
	// then.
	stream struct {
		reader    *sse.Reader
		processor *processor
		done      bool
	}

	processor struct {
		queue []model.StreamEvent

		calls      map[int64]*toolCall
		order      []int64
		usage      model.Usage
		stopReason string
	}

	toolCall struct {
		id   string
		name string
		args strings.Builder
	}

	// sidecar captures fields the SDK chunk type does not model: presence
	// of the standard usage object, gateway metadata envelopes, and
	// reasoning_content deltas.
	sidecar struct {
		Choices []struct {
			Delta struct {
				ReasoningContent string `json:"reasoning_content"`
			} `json:"delta"`
		} `json:"choices"`
		Usage    *json.RawMessage `json:"usage"`
		Metadata map[string]struct {
			Usage *envelopeUsage `json:"usage"`
		} `json:"metadata"`
	}

	// envelopeUsage is the gateway fallback shape under metadata.openai.usage.
	// Both OpenAI-style and neutral field names are accepted.
	envelopeUsage struct {
		PromptTokens     *int64 `json:"prompt_tokens"`
		CompletionTokens *int64 `json:"completion_tokens"`
		InputTokens      *int64 `json:"input_tokens"`
		OutputTokens     *int64 `json:"output_tokens"`
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
				s.done = true
				s.processor.flush()
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
	return &processor{calls: make(map[int64]*toolCall)}
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

func (p *processor) pushParseError(preview string) {
	p.push(model.StreamEvent{Kind: model.EventError, Err: &model.ProviderError{
		Provider:  ProviderID,
		Operation: "chat.completions.stream",
		Kind:      model.ErrorKindStreamParse,
		Message:   fmt.Sprintf("malformed stream frame: %.200s", preview),
	}})
}

// handle decodes one SSE payload and enqueues the neutral events it implies.
func (p *processor) handle(payload json.RawMessage) error {
	var side sidecar
	if err := json.Unmarshal(payload, &side); err != nil {
		p.pushParseError(string(payload))
		return nil
	}
	var chunk sdk.ChatCompletionChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		p.pushParseError(string(payload))
		return nil
	}

	for i, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue // single-choice streaming only
		}
		if i < len(side.Choices) {
			if reasoning := side.Choices[i].Delta.ReasoningContent; reasoning != "" {
				p.push(model.StreamEvent{Kind: model.EventReasoningDelta, Text: reasoning})
			}
		}
		if choice.Delta.Content != "" {
			p.push(model.StreamEvent{Kind: model.EventTextDelta, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			p.handleToolCallDelta(tc)
		}
		if choice.FinishReason != "" {
			p.stopReason = choice.FinishReason
		}
	}

	p.recordUsage(&chunk, &side)
	return nil
}

// handleToolCallDelta registers new calls and forwards argument fragments.
// Fragments after the first carry only the choice-local index.
func (p *processor) handleToolCallDelta(tc sdk.ChatCompletionChunkChoiceDeltaToolCall) {
	call := p.calls[tc.Index]
	if call == nil {
		call = &toolCall{id: tc.ID, name: tc.Function.Name}
		if call.id == "" {
			call.id = fmt.Sprintf("call_%d", tc.Index)
		}
		p.calls[tc.Index] = call
		p.order = append(p.order, tc.Index)
		p.push(model.StreamEvent{Kind: model.EventToolCallStart, ToolCall: &model.ToolCall{
			ID:   call.id,
			Name: call.name,
		}})
	} else if call.name == "" && tc.Function.Name != "" {
		call.name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		call.args.WriteString(tc.Function.Arguments)
		p.push(model.StreamEvent{
			Kind:   model.EventToolCallDelta,
			CallID: call.id,
			Delta:  tc.Function.Arguments,
		})
	}
}

// recordUsage applies the standard usage object when present, falling back to
// the metadata.openai.usage envelope. Absent counts stay unknown.
func (p *processor) recordUsage(chunk *sdk.ChatCompletionChunk, side *sidecar) {
	if side.Usage != nil {
		p.usage = p.usage.Merge(model.Usage{
			Input:     model.Tokens(chunk.Usage.PromptTokens),
			Output:    model.Tokens(chunk.Usage.CompletionTokens),
			Reasoning: tokensIfSet(chunk.Usage.CompletionTokensDetails.ReasoningTokens),
			CacheRead: tokensIfSet(chunk.Usage.PromptTokensDetails.CachedTokens),
		})
		return
	}
	meta, ok := side.Metadata[ProviderID]
	if !ok || meta.Usage == nil {
		return
	}
	input := meta.Usage.PromptTokens
	if input == nil {
		input = meta.Usage.InputTokens
	}
	output := meta.Usage.CompletionTokens
	if output == nil {
		output = meta.Usage.OutputTokens
	}
	fallback := model.Usage{}
	if input != nil {
		fallback.Input = model.Tokens(*input)
	}
	if output != nil {
		fallback.Output = model.Tokens(*output)
	}
	p.usage = p.usage.Merge(fallback)
}

// flush emits tool-call-end events for every open call and the final finish
// event. Called once when the provider ends the stream.
func (p *processor) flush() {
	sort.Slice(p.order, func(i, j int) bool { return p.order[i] < p.order[j] })
	for _, idx := range p.order {
		call := p.calls[idx]
		args := strings.TrimSpace(call.args.String())
		if args == "" {
			args = "{}"
		}
		p.push(model.StreamEvent{Kind: model.EventToolCallEnd, ToolCall: &model.ToolCall{
			ID:    call.id,
			Name:  call.name,
			Input: json.RawMessage(args),
		}})
	}
	p.calls = make(map[int64]*toolCall)
	p.order = nil

	p.push(model.StreamEvent{Kind: model.EventFinish, Finish: &model.Finish{
		Reason:    model.MapFinishReason(p.stopReason),
		RawReason: p.stopReason,
		Usage:     p.usage,
	}})
}

// tokensIfSet maps the wire value to a known count only when positive, since
// detail fields decode as zero when the provider omitted them.
func tokensIfSet(n int64) model.TokenCount {
	if n <= 0 {
		return model.UnknownTokens()
	}
	return model.Tokens(n)
}
