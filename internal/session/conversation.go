package session

import (
	"slices"

	"github.com/ashureev/chatrelay/internal/domain"
)

// DefaultCeiling is the number of turns retained before a conversation is reset.
const DefaultCeiling = 10

// Conversation is the ordered, bounded turn log of one chat. It is held in
// memory only and owned by a single Session.
type Conversation struct {
	turns   []domain.Turn
	ceiling int
}

// NewConversation creates an empty conversation capped at ceiling turns.
// Turns are stored in user/assistant pairs, so an odd ceiling is rounded up.
func NewConversation(ceiling int) *Conversation {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	ceiling += ceiling % 2
	return &Conversation{ceiling: ceiling}
}

// Len returns the number of stored turns.
func (c *Conversation) Len() int {
	return len(c.turns)
}

// Ceiling returns the maximum number of stored turns.
func (c *Conversation) Ceiling() int {
	return c.ceiling
}

// Full reports whether the ceiling has been reached.
func (c *Conversation) Full() bool {
	return len(c.turns) >= c.ceiling
}

// Turns returns a copy of the stored turns.
func (c *Conversation) Turns() []domain.Turn {
	return slices.Clone(c.turns)
}

// Append stores turns in order. Turns past the ceiling are not stored; the
// oldest turn is never dropped, so the log keeps starting with the user.
// Clearing a full conversation is the state machine's job.
func (c *Conversation) Append(turns ...domain.Turn) {
	c.turns = append(c.turns, turns...)
	if len(c.turns) > c.ceiling {
		c.turns = slices.Clip(c.turns[:c.ceiling])
	}
}

// Clear discards every stored turn.
func (c *Conversation) Clear() {
	c.turns = nil
}
