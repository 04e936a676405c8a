// Package llm defines the Provider interface for text-completion model
// backends.
//
// The gateway uses an LLM for offline work that sits outside the realtime
// voice path, chiefly summarising finished conversation segments before a
// handoff. Only blocking completions are needed there, so the interface is
// deliberately small.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message is one entry of a conversation transcript sent to the model.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the plain-text body of the message.
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
type CompletionRequest struct {
	// SystemPrompt is injected before the conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero requests the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any completion backend.
//
// Implementations must propagate context cancellation promptly.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
