// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local model API (Ollama on the developer's
// machine, or a cloud model such as Claude or GPT) behind a single Complete
// call. The backend's query handlers depend only on this interface, so the
// local and cloud paths share the same prompt assembly and error mapping.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in the conversation sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role    string
	Content string
}

// Usage holds token accounting information returned by the backend. Counts
// are in the model's native token unit; when the backend does not report
// usage, callers fall back to [EstimateTokens].
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is injected before Messages as a system-role message.
	SystemPrompt string

	Messages []Message

	// Temperature in [0.0, 2.0]. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero leaves the provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	Content string

	// Model identifies the model that produced Content. It may be empty, in
	// which case callers report the provider's Model().
	Model string

	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response. It
	// returns promptly once ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the model identifier reported back to clients.
	Model() string
}

// EstimateTokens approximates the token count of texts by counting
// whitespace-separated words.
func EstimateTokens(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += len(strings.Fields(t))
	}
	return n
}

// TokensUsed returns the backend-reported total, or an estimate over prompt
// and completion when the backend reported nothing.
func (r *CompletionResponse) TokensUsed(prompt string) int {
	if r.Usage.TotalTokens > 0 {
		return r.Usage.TotalTokens
	}
	return EstimateTokens(prompt, r.Content)
}
