// Package provider implements the Model Adapter (C6): a uniform
// chat(messages, overrides) → (text, prompt_tokens, completion_tokens)
// contract over Anthropic, OpenAI, and Bedrock backends, hiding
// vendor-specific authentication, request shape, and response parsing
// from the rest of the engine. Adapted from the teacher's streaming
// agent.LLMProvider implementations, simplified to the synchronous,
// non-tool-use contract this engine's Completion Orchestrator needs.
package provider

import "context"

// Role is a Conversation Transcript turn's role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript turn passed to Chat.
type Message struct {
	Role    Role
	Content string
}

// Overrides carries the per-call adapter-specific knobs named by the
// engine's `backend_options` configuration key.
type Overrides struct {
	Temperature *float64
	MaxTokens   int
}

// Reply is the Model Adapter's uniform response.
type Reply struct {
	Text             string
	PromptTokens     int64
	CompletionTokens int64
}

// Provider implements the Model Adapter contract for one backend.
type Provider interface {
	// Chat sends messages (system prompt first, if any) and returns the
	// assistant's reply text plus token counts. Implementations wrap
	// transient failures (rate limits, 5xx, timeouts) in an error
	// classified as retryable by internal/rlm/errors, and permanent
	// failures (auth, malformed request, unknown model) as non-retryable.
	Chat(ctx context.Context, messages []Message, overrides Overrides) (Reply, error)
	// Name identifies the backend, e.g. "anthropic", "openai", "bedrock".
	Name() string
}

// system extracts the leading system message, if any, and the
// remaining messages — the shape every backend's SDK wants separately.
func system(messages []Message) (string, []Message) {
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		return messages[0].Content, messages[1:]
	}
	return "", messages
}
