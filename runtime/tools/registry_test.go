package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct {
	executed bool
	gotArgs  json.RawMessage
}

func (e *echoTool) Name() Ident         { return "echo" }
func (e *echoTool) Description() string { return "echoes its message argument" }

func (e *echoTool) Schema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"required":             []any{"message"},
		"additionalProperties": false,
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
	}
}

func (e *echoTool) Execute(ctx context.Context, args json.RawMessage, tc *Context) (*Result, error) {
	e.executed = true
	e.gotArgs = args
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return nil, err
	}
	return &Result{Title: "echo", Output: payload.Message}, nil
}

func TestRegistryExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry()
	tool := &echoTool{}
	require.NoError(t, r.Register(tool))

	_, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"wrong":"field"}`), &Context{})
	require.Error(t, err)
	assert.False(t, tool.executed, "tool must not run on invalid arguments")

	res, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`), &Context{})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Output)
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", nil, &Context{})
	require.Error(t, err)
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{}))
	require.Error(t, r.Register(&echoTool{}))
}

func TestDescribeSortedByName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoTool{}))
	defs := r.Describe()
	require.Len(t, defs, 1)
	assert.Equal(t, "echo", defs[0].Name)
	assert.NotNil(t, defs[0].InputSchema)
}
