package model

// FinishReason is the neutral reason a model ended its step.
type FinishReason string

// Neutral finish reasons. Provider values outside the mapping tables report
// Unknown and preserve the raw value in Finish.RawReason.
const (
	FinishStop    FinishReason = "stop"
	FinishLength  FinishReason = "length"
	FinishToolUse FinishReason = "tool-use"
	FinishError   FinishReason = "error"
	FinishUnknown FinishReason = "unknown"
)

// finishReasons maps provider-specific stop values onto the neutral set.
// Providers share one table because gateway deployments mix dialects on a
// single endpoint.
var finishReasons = map[string]FinishReason{
	// OpenAI chat completions.
	"stop":           FinishStop,
	"length":         FinishLength,
	"tool_calls":     FinishToolUse,
	"function_call":  FinishToolUse,
	"content_filter": FinishError,

	// Anthropic messages.
	"end_turn":      FinishStop,
	"stop_sequence": FinishStop,
	"max_tokens":    FinishLength,
	"tool_use":      FinishToolUse,
	"refusal":       FinishError,

	"error": FinishError,
}

// MapFinishReason translates a provider finish reason to the neutral set.
// Unrecognized values report FinishUnknown; callers record the raw value in a
// diagnostic rather than guessing.
func MapFinishReason(raw string) FinishReason {
	if raw == "" {
		return FinishUnknown
	}
	if mapped, ok := finishReasons[raw]; ok {
		return mapped
	}
	return FinishUnknown
}
