package reasoner

import (
	"context"
)

// Reasoner is the opaque text-in/text-out reasoning capability consumed by
// the interpreter and the planner. Responses are expected to embed a single
// JSON object; callers extract it with ExtractJSON rather than assuming the
// whole response is JSON.
type Reasoner interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// Options tunes a single generation call. Zero values fall back to the
// provider's configured defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
}
