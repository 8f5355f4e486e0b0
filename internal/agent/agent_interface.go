package agent

import (
	"context"

	"github.com/ashureev/chatrelay/internal/moderation"
)

// LanguageModel is the remote completion capability.
type LanguageModel interface {
	// Complete sends the system prompt and turns to the model and returns
	// its reply along with the usage reported by the backend. Failures are
	// returned as *CallError.
	Complete(ctx context.Context, req Completion) (*CompletionResult, error)
}

// Moderator is the remote moderation capability.
type Moderator interface {
	Classify(ctx context.Context, text string) (moderation.Categories, error)
}

// Ensure OpenAIClient implements both capabilities.
var (
	_ LanguageModel         = (*OpenAIClient)(nil)
	_ Moderator             = (*OpenAIClient)(nil)
	_ moderation.Classifier = (*OpenAIClient)(nil)
)
