// Package domain contains core domain types for the chat relay.
package domain

// Role identifies the speaker of a Turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation, tagged with its speaker role.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// NewTurn creates a Turn with the given role and text.
func NewTurn(role Role, text string) Turn {
	return Turn{Role: role, Text: text}
}
