package chat

import "github.com/ashureev/chatrelay/internal/domain"

// charsPerToken is the rough size of one token in characters.
const charsPerToken = 4

// BuildPrompt returns the conversation followed by the new user message.
// The system prompt is carried separately by agent.Completion.
func BuildPrompt(conversation []domain.Turn, userText string) []domain.Turn {
	turns := make([]domain.Turn, 0, len(conversation)+1)
	turns = append(turns, conversation...)
	return append(turns, domain.NewTurn(domain.RoleUser, userText))
}

// EstimateCost approximates the credits a completion may spend: the response
// bound plus a quarter of the prompt length in bytes, counted per turn.
func EstimateCost(systemPrompt string, turns []domain.Turn, maxResponseTokens int) uint64 {
	estimate := uint64(max(maxResponseTokens, 0))
	estimate += uint64(len(systemPrompt) / charsPerToken)
	for _, t := range turns {
		estimate += uint64(len(t.Text) / charsPerToken)
	}
	return estimate
}
