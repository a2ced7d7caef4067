// Package narrator produces guide-voiced narration text. It is optional: when
// disabled or failing, callers fall back to the static script templates.
package narrator

import "context"

// Request describes a narration prompt.
type Request struct {
	SessionID   string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Generator defines a pluggable narration backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}
