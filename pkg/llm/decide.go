package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured reports missing LLM credentials. Fatal to the run.
var ErrNotConfigured = errors.New("llm not configured")

// ParseError reports that the model output could not be parsed as a
// decision even after the single strict retry.
type ParseError struct {
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("llm decision parse failed: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Usage counts tokens for one decide call. When the decider retried, the
// counts cover both attempts.
type Usage struct {
	PromptTokens   int `json:"prompt_tokens"`
	ResponseTokens int `json:"response_tokens"`
	TotalTokens    int `json:"total_tokens"`
}

// Add accumulates another usage block into this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.ResponseTokens += other.ResponseTokens
	u.TotalTokens += other.TotalTokens
}

// AsMap renders usage for the execution log.
func (u *Usage) AsMap() map[string]int {
	if u == nil {
		return nil
	}
	return map[string]int{
		"prompt_tokens":   u.PromptTokens,
		"response_tokens": u.ResponseTokens,
		"total_tokens":    u.TotalTokens,
	}
}

// Result is the outcome of one decide call.
type Result struct {
	Text            string
	Parsed          *Decision
	Usage           *Usage
	UsageRaw        map[string]interface{}
	ResponsePayload interface{}
}

// DecideFunc asks the model for one structured decision. Implementations
// must request JSON-only output, attempt to parse it, and retry exactly
// once with a stricter instruction before returning a *ParseError.
type DecideFunc func(ctx context.Context, prompt, model string) (*Result, error)

// RetrySuffix is appended to the prompt on the single parse-failure retry.
const RetrySuffix = "\n\nIMPORTANT: Return only raw JSON (no markdown, no backticks), nothing else."
