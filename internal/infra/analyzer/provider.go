package analyzer

import (
	"context"

	"marketpulse/internal/domain/entity"
	"marketpulse/internal/utils/text"
)

// Input is the per-item content the worker pool hands to a Provider.
type Input struct {
	Title       string
	Description string
	Content     string
}

// Output is a Provider's parsed result for one item.
type Output struct {
	Sentiment  entity.Sentiment
	Impact     entity.Impact
	TokensUsed int
}

// Provider calls an LLM and returns a parsed, schema-conformant analysis.
// Implementations own prompt construction, JSON validation, and one
// repair-prompt retry on invalid JSON; anything else is returned as a
// classified *Error so the worker pool can decide whether to retry.
type Provider interface {
	Analyze(ctx context.Context, in Input) (Output, error)
	ModelTag() string
}

// maxInputChars bounds the combined title+description+content sent to any
// provider, mirroring the teacher's own 10,000-char summarizer safety cap.
const maxInputChars = 10000

func buildText(in Input) string {
	s := in.Title
	if in.Description != "" {
		s += "\n\n" + in.Description
	}
	if in.Content != "" {
		s += "\n\n" + in.Content
	}
	if text.CountRunes(s) > maxInputChars {
		runes := []rune(s)
		s = string(runes[:maxInputChars]) + "...\n(truncated)"
	}
	return s
}
