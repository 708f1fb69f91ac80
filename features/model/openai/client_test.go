package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/sidekick/runtime/credentials"
	"goa.design/sidekick/runtime/model"
)

func sseBody(frames ...string) string {
	out := ""
	for _, f := range frames {
		out += "data: " + f + "\n\n"
	}
	return out + "data: [DONE]\n\n"
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	creds := credentials.NewStatic(map[string]credentials.StaticEntry{
		ProviderID: {Header: "Authorization", Prefix: "Bearer ", Key: "sk-test"},
	})
	c, err := New(srv.Client(), creds, nil, Options{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func drain(t *testing.T, st model.Stream) []model.StreamEvent {
	t.Helper()
	var out []model.StreamEvent
	for {
		ev, err := st.Recv()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestStreamDecodesTextAndToolEvents(t *testing.T) {
	var gotReq chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"echo","arguments":"{\"text\":"}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"hi\"}"}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":40,"completion_tokens":9,"total_tokens":49,"completion_tokens_details":{"reasoning_tokens":3}}}`,
		))
	})

	st, err := c.Stream(context.Background(), &model.Request{
		Model:  "gpt-4o",
		System: "be terse",
		Messages: []*model.Message{
			{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}},
		},
	})
	require.NoError(t, err)
	defer st.Close()
	got := drain(t, st)

	assert.True(t, gotReq.Stream)
	assert.True(t, gotReq.StreamOptions.IncludeUsage)
	require.NotEmpty(t, gotReq.Messages)
	assert.Equal(t, "system", gotReq.Messages[0].Role)

	kinds := make([]model.EventKind, len(got))
	for i, ev := range got {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []model.EventKind{
		model.EventTextDelta,
		model.EventTextDelta,
		model.EventToolCallStart,
		model.EventToolCallDelta,
		model.EventToolCallDelta,
		model.EventToolCallEnd,
		model.EventFinish,
	}, kinds)

	assert.Equal(t, "Hel", got[0].Text)
	assert.Equal(t, "call_abc", got[2].ToolCall.ID)
	assert.Equal(t, "echo", got[2].ToolCall.Name)

	end := got[5].ToolCall
	assert.Equal(t, "call_abc", end.ID)
	assert.JSONEq(t, `{"text":"hi"}`, string(end.Input))

	fin := got[6].Finish
	assert.Equal(t, model.FinishToolUse, fin.Reason)
	assert.Equal(t, "tool_calls", fin.RawReason)
	in, known := fin.Usage.Input.Value()
	require.True(t, known)
	assert.Equal(t, int64(40), in)
	out, known := fin.Usage.Output.Value()
	require.True(t, known)
	assert.Equal(t, int64(9), out)
	reasoning, known := fin.Usage.Reasoning.Value()
	require.True(t, known)
	assert.Equal(t, int64(3), reasoning)
}

func TestStreamReasoningContentDeltas(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"reasoning_content":"thinking..."}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"answer"},"finish_reason":"stop"}]}`,
		))
	})

	st, err := c.Stream(context.Background(), &model.Request{Model: "m"})
	require.NoError(t, err)
	defer st.Close()
	got := drain(t, st)

	require.Len(t, got, 3)
	assert.Equal(t, model.EventReasoningDelta, got[0].Kind)
	assert.Equal(t, "thinking...", got[0].Text)
	assert.Equal(t, model.EventTextDelta, got[1].Kind)
	assert.Equal(t, model.FinishStop, got[2].Finish.Reason)
}

func TestStreamUsageEnvelopeFallback(t *testing.T) {
	// Gateways may omit the standard usage object and report usage under
	// metadata.openai.usage instead.
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"x"},"finish_reason":"stop"}],"metadata":{"openai":{"usage":{"input_tokens":7,"output_tokens":2}}}}`,
		))
	})

	st, err := c.Stream(context.Background(), &model.Request{Model: "m"})
	require.NoError(t, err)
	defer st.Close()
	got := drain(t, st)

	fin := got[len(got)-1].Finish
	require.NotNil(t, fin)
	in, known := fin.Usage.Input.Value()
	require.True(t, known)
	assert.Equal(t, int64(7), in)
	out, known := fin.Usage.Output.Value()
	require.True(t, known)
	assert.Equal(t, int64(2), out)
}

func TestStreamMissingUsageStaysUnknown(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"x"},"finish_reason":"stop"}]}`,
		))
	})

	st, err := c.Stream(context.Background(), &model.Request{Model: "m"})
	require.NoError(t, err)
	defer st.Close()
	got := drain(t, st)

	fin := got[len(got)-1].Finish
	require.NotNil(t, fin)
	assert.False(t, fin.Usage.Known(), "absent usage must stay unknown, never zero")
}

func TestStreamSkipsMalformedFrameAndContinues(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w,
			"data: {\"choices\":[{\"index\":\n\n"+
				sseBody(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":"stop"}]}`))
	})

	st, err := c.Stream(context.Background(), &model.Request{Model: "m"})
	require.NoError(t, err)
	defer st.Close()
	got := drain(t, st)

	require.Len(t, got, 3)
	assert.Equal(t, model.EventError, got[0].Kind)
	assert.Equal(t, model.ErrorKindStreamParse, got[0].Err.Kind)
	assert.Equal(t, "ok", got[1].Text)
	assert.Equal(t, model.EventFinish, got[2].Kind)
}

func TestStreamRateLimitedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	})

	_, err := c.Stream(context.Background(), &model.Request{Model: "m"})
	var perr *model.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.ErrorKindRateLimited, perr.Kind)
	assert.True(t, perr.Retryable())
}

func TestEncodeRequestToolMessages(t *testing.T) {
	req := &model.Request{
		Model: "gpt-4o",
		Tools: []*model.ToolDefinition{
			{Name: "echo", Description: "echoes", InputSchema: map[string]any{"type": "object"}},
		},
		Messages: []*model.Message{
			{Role: model.RoleAssistant, Parts: []model.Part{
				model.TextPart{Text: "calling"},
				model.ToolUsePart{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"text":"hi"}`)},
			}},
			{Role: model.RoleUser, Parts: []model.Part{
				model.ToolResultPart{ToolUseID: "call_1", Content: "hi"},
			}},
		},
	}

	wire := encodeRequest(req)
	require.Len(t, wire.Tools, 1)
	assert.Equal(t, "function", wire.Tools[0].Type)
	assert.Equal(t, "echo", wire.Tools[0].Function.Name)

	require.Len(t, wire.Messages, 2)
	first := wire.Messages[0]
	assert.Equal(t, "assistant", first.Role)
	assert.Equal(t, "calling", first.Content)
	require.Len(t, first.ToolCalls, 1)
	assert.Equal(t, "call_1", first.ToolCalls[0].ID)
	assert.JSONEq(t, `{"text":"hi"}`, first.ToolCalls[0].Function.Arguments)

	second := wire.Messages[1]
	assert.Equal(t, "tool", second.Role)
	assert.Equal(t, "call_1", second.ToolCallID)
	assert.Equal(t, "hi", second.Content)
}
