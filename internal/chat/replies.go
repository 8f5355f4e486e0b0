package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/chatrelay/internal/agent"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/ledger"
)

// Fixed replies.
const (
	Greeting = "At your service master!"
	Farewell = "Ok I will shut up"
)

const helpHeader = "This is a bot that tries to be helpful and active during conversations"

var commandDescriptions = []struct {
	cmd  domain.Command
	text string
}{
	{domain.CommandHelp, "display this text"},
	{domain.CommandStart, "start the conversation manually"},
	{domain.CommandStop, "stop the conversation manually"},
}

// HelpText lists the supported commands.
func HelpText() string {
	var b strings.Builder
	b.WriteString(helpHeader)
	b.WriteString("\n")
	for _, d := range commandDescriptions {
		fmt.Fprintf(&b, "\n/%s - %s", d.cmd, d.text)
	}
	return b.String()
}

// Apology reasons.
const (
	ReasonInsufficientCredits = "insufficient credits"
	ReasonFailedRequest       = "a failed request"
	ReasonUnreadableResponse  = "an unreadable response"
)

// Apology is the reply sent when a message cannot be answered.
func Apology(reason string) string {
	return "Sorry, but due to " + reason + ", I could not answer"
}

// apologyReason picks the reason shown to the user for err.
func apologyReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return ReasonInsufficientCredits
	case agent.KindOf(err) == agent.KindParse:
		return ReasonUnreadableResponse
	default:
		return ReasonFailedRequest
	}
}
