// Package session holds per-chat engagement state and conversation memory.
//
// A chat is either Idle, where each message is a candidate to start
// engaging, or Engaged, where every message is answered until the
// conversation ceiling is reached or the chat is stopped.
package session

import (
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/google/uuid"
)

// State is the engagement state of a chat.
type State int

const (
	StateIdle State = iota
	StateEngaged
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEngaged:
		return "engaged"
	default:
		return "unknown"
	}
}

// Session is the state of one chat. It is only ever accessed under the
// per-chat lock held by Store.With.
type Session struct {
	ChatID string
	// EngagementID identifies the current engagement; empty while idle.
	EngagementID string
	State        State
	Conversation *Conversation
}

func newSession(chatID string, ceiling int) *Session {
	return &Session{
		ChatID:       chatID,
		State:        StateIdle,
		Conversation: NewConversation(ceiling),
	}
}

// Engaged reports whether the session is actively relaying.
func (s *Session) Engaged() bool {
	return s.State == StateEngaged
}

// Start moves an idle session to Engaged with an empty conversation.
// It reports whether the state changed.
func (s *Session) Start() bool {
	if s.State == StateEngaged {
		return false
	}
	s.engage()
	return true
}

// Stop discards the conversation and returns the session to Idle.
// It reports whether the session was engaged.
func (s *Session) Stop() bool {
	if s.State == StateIdle {
		return false
	}
	s.reset()
	return true
}

// CommitExchange records a successful exchange. An idle session that won
// its engagement draw becomes Engaged here, so a failed model call leaves
// the session untouched.
func (s *Session) CommitExchange(userText, reply string) {
	if s.State == StateIdle {
		s.engage()
	}
	s.Conversation.Append(
		domain.NewTurn(domain.RoleUser, userText),
		domain.NewTurn(domain.RoleAssistant, reply),
	)
}

func (s *Session) engage() {
	s.State = StateEngaged
	s.EngagementID = uuid.Must(uuid.NewV7()).String()
	s.Conversation.Clear()
}

func (s *Session) reset() {
	s.State = StateIdle
	s.EngagementID = ""
	s.Conversation.Clear()
}
