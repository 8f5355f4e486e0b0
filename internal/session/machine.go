package session

import "math/rand/v2"

// DefaultEngagementOdds is the number of equally likely outcomes of the
// engagement draw; exactly one of them starts an engagement.
const DefaultEngagementOdds = 10

// Source is a source of uniformly distributed integers in [0, n).
// *rand.Rand from math/rand/v2 satisfies it.
type Source interface {
	IntN(n int) int
}

// globalSource draws from the goroutine-safe top-level math/rand/v2 source.
type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// Decision is the outcome of an inbound message for a session.
type Decision int

const (
	// DecisionIgnore means no response is sent.
	DecisionIgnore Decision = iota
	// DecisionEngage means an idle session won the draw; the message is
	// answered as the first engaged turn.
	DecisionEngage
	// DecisionRespond means an engaged session answers the message.
	DecisionRespond
	// DecisionReset means the ceiling was reached: the conversation was
	// discarded and nothing is sent.
	DecisionReset
)

func (d Decision) String() string {
	switch d {
	case DecisionIgnore:
		return "ignore"
	case DecisionEngage:
		return "engage"
	case DecisionRespond:
		return "respond"
	case DecisionReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Responds reports whether the decision calls for a model reply.
func (d Decision) Responds() bool {
	return d == DecisionEngage || d == DecisionRespond
}

// Machine decides how a session reacts to an inbound message.
type Machine struct {
	odds int
	rand Source
}

// NewMachine creates a Machine drawing from src with the given odds. A nil
// src uses the shared math/rand/v2 generator.
func NewMachine(odds int, src Source) *Machine {
	if odds <= 0 {
		odds = DefaultEngagementOdds
	}
	if src == nil {
		src = globalSource{}
	}
	return &Machine{odds: odds, rand: src}
}

// Decide applies the inbound-message transition to s.
//
// Only the ceiling reset mutates s here. Engaging and answering are
// committed by the caller with CommitExchange once the model call succeeds.
// The ceiling is checked on the pre-append length: a conversation answers
// up to its ceiling and resets on the following message.
func (m *Machine) Decide(s *Session) Decision {
	switch s.State {
	case StateEngaged:
		if s.Conversation.Full() {
			s.reset()
			return DecisionReset
		}
		return DecisionRespond
	default:
		if m.rand.IntN(m.odds) == 0 {
			return DecisionEngage
		}
		return DecisionIgnore
	}
}
