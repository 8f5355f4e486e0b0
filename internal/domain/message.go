package domain

// Command is an explicit instruction carried by an inbound message.
type Command int

const (
	// CommandNone marks an ordinary chat message.
	CommandNone Command = iota
	// CommandStart asks the bot to start engaging in the chat.
	CommandStart
	// CommandStop asks the bot to stop engaging and forget the conversation.
	CommandStop
	// CommandHelp asks for the list of commands.
	CommandHelp
)

// String returns the command name as typed by users.
func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandHelp:
		return "help"
	default:
		return ""
	}
}

// ParseCommand maps a command name (without the leading slash) to a Command.
func ParseCommand(name string) Command {
	switch name {
	case "start":
		return CommandStart
	case "stop":
		return CommandStop
	case "help":
		return CommandHelp
	default:
		return CommandNone
	}
}

// Inbound is a message delivered by a transport after allow-list filtering.
type Inbound struct {
	ChatID    string
	MessageID int
	Text      string
	Command   Command
}

// Outbound is a message the core asks a transport to deliver.
// ReplyTo is the inbound message id being answered, zero for none.
type Outbound struct {
	ChatID  string
	Text    string
	ReplyTo int
}
