package repo

import (
	"context"
	"errors"
)

// Typed model-call failures. The analyzer maps all of them to the same
// safe-default outcome; the distinction exists for logs and health checks.
var (
	ErrModelTimeout        = errors.New("model call timed out")
	ErrProviderUnavailable = errors.New("model provider unavailable")
	ErrMalformedResponse   = errors.New("malformed model response")
)

// ModelRepo is the lightweight-model call capability used by the analyzer
type ModelRepo interface {
	// Chat sends a system prompt and user message to the model and
	// returns the raw text response.
	Chat(ctx context.Context, systemPrompt, userMessage string) (string, error)
}
