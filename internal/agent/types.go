// Package agent binds the relay to the remote language model and moderator
// and records conversation transcripts.
package agent

import "github.com/ashureev/chatrelay/internal/domain"

// Completion is a request for a single model reply.
type Completion struct {
	SystemPrompt string
	Turns        []domain.Turn
	Temperature  float32
	MaxTokens    int
}

// CompletionResult is a successful model reply.
type CompletionResult struct {
	Text string
	// TokensUsed is the total usage reported by the backend.
	TokensUsed uint64
}
