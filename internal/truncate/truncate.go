// Package truncate caps the size of tool results returned to agents.
// Oversized output wastes the caller's context window, so anything over
// the budget is cut at a fixed character limit with a deterministic
// marker explaining how to narrow the query.
package truncate

import (
	"encoding/json"
	"fmt"
)

const (
	// TokenBudget is the approximate token allowance for one tool result.
	TokenBudget = 25000

	// charsPerToken is the empirical character-to-token ratio used to
	// convert the budget into a character limit.
	charsPerToken = 4

	// CharLimit is the character cap applied to every result. Content
	// exactly at the limit is returned unmodified.
	CharLimit = TokenBudget * charsPerToken
)

// String caps s at the character limit. Within-limit input is returned
// verbatim; over-limit input is cut and annotated with the truncation
// marker.
func String(s string) string {
	if len(s) <= CharLimit {
		return s
	}

	approxTokens := len(s) / charsPerToken

	return s[:CharLimit] + fmt.Sprintf(
		"\n\n[Truncated: result was ~%d tokens, limit is %d tokens. Narrow your query to see more.]",
		approxTokens, TokenBudget,
	)
}

// Value serializes v and caps the output. Strings pass through String
// directly; everything else is JSON-encoded with indentation first.
func Value(v any) (string, error) {
	if s, ok := v.(string); ok {
		return String(s), nil
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serializing result: %w", err)
	}

	return String(string(data)), nil
}
