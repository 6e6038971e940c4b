// Package agent defines the contract between the workflow engine and an
// AI-agent session backend. The engine never assumes a concrete transport;
// any implementation of Provider can be injected when the executor is built.
package agent

import "context"

// ContextUsage reports how full an agent session's context window is.
type ContextUsage struct {
	InputTokens     int     `json:"inputTokens"`
	OutputTokens    int     `json:"outputTokens"`
	MaxTokens       int     `json:"maxTokens"`
	UsagePercentage float64 `json:"usagePercentage"`
}

// Message is a single streamed message from an agent session.
type Message struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Data    map[string]any `json:"data,omitempty"`
}

// SessionConfig carries the parameters used to create a session.
type SessionConfig struct {
	// Model is the resolved model identifier, empty when the backend should
	// pick its own default.
	Model string `json:"model,omitempty"`

	// AgentType selects backend-specific behavior presets.
	AgentType string `json:"agentType,omitempty"`

	// SystemPrompt seeds the session, when the backend supports it.
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// Metadata is passed through to the backend untouched.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Session is a live conversational session with an agent backend.
type Session interface {
	// Stream sends a message and returns a channel of response messages. The
	// channel is closed when the response is complete or the context is
	// cancelled.
	Stream(ctx context.Context, message string) (<-chan Message, error)

	// Summarize asks the backend to compact the session's conversation
	// history, freeing context-window space.
	Summarize(ctx context.Context) error

	// GetContextUsage reports current context-window consumption.
	GetContextUsage(ctx context.Context) (ContextUsage, error)

	// Destroy releases the session and its backend resources.
	Destroy(ctx context.Context) error
}

// Provider creates agent sessions. Set once before execution begins and
// read-only thereafter.
type Provider interface {
	CreateSession(ctx context.Context, cfg SessionConfig) (Session, error)
}
