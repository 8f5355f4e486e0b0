package moderation

import (
	"context"
	"fmt"
	"log/slog"
)

// Classifier is the remote moderation capability.
type Classifier interface {
	Classify(ctx context.Context, text string) (Categories, error)
}

// Gate is a stateless pass-through to a Classifier.
type Gate struct {
	classifier Classifier
	logger     *slog.Logger
}

// NewGate creates a Gate around classifier.
func NewGate(classifier Classifier, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{classifier: classifier, logger: logger}
}

// Classify makes a single call to the classifier. There are no retries and
// no caching.
func (g *Gate) Classify(ctx context.Context, text string) (Verdict, error) {
	categories, err := g.classifier.Classify(ctx, text)
	if err != nil {
		return Verdict{}, fmt.Errorf("classify message: %w", err)
	}
	return Verdict{Categories: categories}, nil
}

// Check classifies text and treats any failure as "not flagged". The
// failure is logged and never surfaced to the caller.
func (g *Gate) Check(ctx context.Context, chatID, text string) Verdict {
	verdict, err := g.Classify(ctx, text)
	if err != nil {
		g.logger.Warn("Moderation check failed, treating message as not flagged",
			"chat_id", chatID,
			"error", err)
		return Verdict{}
	}
	return verdict
}
