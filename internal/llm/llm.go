// Package llm provides the LLM client used by the LLM judge scoring tier.
package llm

import (
	"context"
	"fmt"
)

// GenerateOptions configures a generation request.
type GenerateOptions struct {
	// Model overrides the client's default model.
	Model string

	SystemPrompt string

	// Format constrains the output, e.g. "json". Empty means free text.
	Format string

	// Temperature 0 gives deterministic output.
	Temperature float32

	// MaxTokens limits the response length; 0 means no limit.
	MaxTokens int
}

// LLM generates a complete answer for a prompt.
type LLM interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// StatusError is returned when the LLM server answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm server error (status %d): %s", e.StatusCode, e.Body)
}
