// Package tokens estimates text size in model tokens.
//
// It wraps the tiktoken encoding for the chat model in use, falling back to a
// characters-per-token heuristic when the encoding data cannot be loaded
// (e.g. offline environments).
package tokens

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultModel selects the tokenizer encoding.
	DefaultModel = "gpt-3.5-turbo"
	// heuristicCharsPerToken is the common English ~4 chars/token approximation
	// used when the real encoding is unavailable.
	heuristicCharsPerToken = 4
)

// Counter counts model tokens in text. Pure, no side effects per call.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter builds a Counter for the given model name. An empty model name
// selects DefaultModel. Encoding load failures are logged and degrade the
// counter to the heuristic rather than failing construction: token counts
// gate input size and meter usage, neither of which needs exactness to work.
func NewCounter(model string) *Counter {
	if model == "" {
		model = DefaultModel
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		slog.Warn("tokens: encoding unavailable, using chars/4 heuristic", "model", model, "error", err)
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return len(text) / heuristicCharsPerToken
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages sums the token counts of a message sequence's contents.
func (c *Counter) CountMessages(contents []string) int {
	total := 0
	for _, s := range contents {
		total += c.Count(s)
	}
	return total
}
