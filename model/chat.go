// Package model provides the LLM chat abstraction and its provider
// adapters. The engine treats the chat service as an opaque RPC endpoint;
// adapters translate provider failures into the core error taxonomy so the
// node runtime can decide between retry and terminal failure.
package model

import "context"

// ChatModel is the unified interface over LLM chat providers.
//
// Implementations handle provider-specific authentication and message
// formats, respect context cancellation, and classify failures as
// task.KindTransientExternal (5xx, rate limits, network) or
// task.KindPermanentExternal (non-retryable 4xx).
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message is a single entry in an LLM conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text.
	Content string
}

// Standard roles, aligned with the conventions of the major providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatOut is the result of a chat completion.
type ChatOut struct {
	// Text is the generated response.
	Text string

	// TokensUsed is the total token consumption reported by the provider,
	// zero when the provider does not report usage.
	TokensUsed int

	// ModelName is the provider's model identifier, recorded on quality
	// reports.
	ModelName string
}
