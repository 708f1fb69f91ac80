package model

import (
	"encoding/json"
	"fmt"
)

type (
	// TokenCount is a token counter that distinguishes "zero tokens" from
	// "the provider did not say". The zero value is unknown. Unknown counts
	// marshal as the string "unknown" so downstream consumers never mistake
	// missing data for zero.
	TokenCount struct {
		n     int64
		known bool
	}

	// Usage reports token consumption for one step. Counts the provider did
	// not supply stay unknown.
	Usage struct {
		Input      TokenCount
		Output     TokenCount
		Reasoning  TokenCount
		CacheRead  TokenCount
		CacheWrite TokenCount
	}

	// Cost is a dollar amount that may be unknown when the usage it derives
	// from is unknown or the model has no configured rates.
	Cost struct {
		usd   float64
		known bool
	}
)

// Tokens returns a known TokenCount. Negative values are clamped to zero.
func Tokens(n int64) TokenCount {
	if n < 0 {
		n = 0
	}
	return TokenCount{n: n, known: true}
}

// UnknownTokens returns the explicit unknown marker.
func UnknownTokens() TokenCount { return TokenCount{} }

// Known reports whether the provider supplied this count.
func (c TokenCount) Known() bool { return c.known }

// Value returns the count and whether it is known.
func (c TokenCount) Value() (int64, bool) { return c.n, c.known }

// Or returns c when known, otherwise the fallback.
func (c TokenCount) Or(fallback TokenCount) TokenCount {
	if c.known {
		return c
	}
	return fallback
}

// MarshalJSON renders the count as a number, or the string "unknown".
func (c TokenCount) MarshalJSON() ([]byte, error) {
	if !c.known {
		return []byte(`"unknown"`), nil
	}
	return json.Marshal(c.n)
}

// UnmarshalJSON accepts a number or the string "unknown".
func (c *TokenCount) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*c = Tokens(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s == "unknown" {
		*c = TokenCount{}
		return nil
	}
	return fmt.Errorf("invalid token count %s", data)
}

func (c TokenCount) String() string {
	if !c.known {
		return "unknown"
	}
	return fmt.Sprintf("%d", c.n)
}

// Known reports whether every core count (input and output) is known.
func (u Usage) Known() bool { return u.Input.known && u.Output.known }

// Merge overlays known counts from other onto u and returns the result.
// Counts already known in u win; this implements the metadata-envelope
// fallback where the standard usage is consulted first.
func (u Usage) Merge(other Usage) Usage {
	return Usage{
		Input:      u.Input.Or(other.Input),
		Output:     u.Output.Or(other.Output),
		Reasoning:  u.Reasoning.Or(other.Reasoning),
		CacheRead:  u.CacheRead.Or(other.CacheRead),
		CacheWrite: u.CacheWrite.Or(other.CacheWrite),
	}
}

// USD returns a known Cost.
func USD(v float64) Cost {
	if v < 0 {
		v = 0
	}
	return Cost{usd: v, known: true}
}

// UnknownCost returns the explicit unknown cost marker.
func UnknownCost() Cost { return Cost{} }

// Known reports whether the cost could be computed.
func (c Cost) Known() bool { return c.known }

// Value returns the dollar amount and whether it is known.
func (c Cost) Value() (float64, bool) { return c.usd, c.known }

// MarshalJSON renders the cost as a number, or the string "unknown".
func (c Cost) MarshalJSON() ([]byte, error) {
	if !c.known {
		return []byte(`"unknown"`), nil
	}
	return json.Marshal(c.usd)
}

// UnmarshalJSON accepts a number or the string "unknown".
func (c *Cost) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*c = USD(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s == "unknown" {
		*c = Cost{}
		return nil
	}
	return fmt.Errorf("invalid cost %s", data)
}
