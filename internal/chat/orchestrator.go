// Package chat coordinates the handling of inbound chat messages: moderation,
// engagement, budget enforcement and the model call.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatrelay/internal/agent"
	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/ledger"
	"github.com/ashureev/chatrelay/internal/moderation"
	"github.com/ashureev/chatrelay/internal/session"
)

// Sender delivers outbound messages for a transport.
type Sender interface {
	Send(ctx context.Context, msg domain.Outbound) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg domain.Outbound) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg domain.Outbound) error {
	return f(ctx, msg)
}

// Settings are the model parameters used for every completion.
type Settings struct {
	SystemPrompt      string
	Temperature       float32
	MaxResponseTokens int
	// RequestTimeout bounds each remote call; zero disables the bound.
	RequestTimeout time.Duration
}

// DefaultSettings returns the stock model parameters.
func DefaultSettings() Settings {
	return Settings{
		SystemPrompt:      "You are a funny friend talking to a bunch of nerds",
		Temperature:       0.8,
		MaxResponseTokens: 120,
		RequestTimeout:    30 * time.Second,
	}
}

// Orchestrator handles one inbound message end to end.
type Orchestrator struct {
	sessions *session.Store
	machine  *session.Machine
	gate     *moderation.Gate
	model    agent.LanguageModel
	ledger   *ledger.Ledger
	convLog  agent.ConversationLogger
	settings Settings
	logger   *slog.Logger
}

// Config holds the collaborators of an Orchestrator.
type Config struct {
	Sessions *session.Store
	Machine  *session.Machine
	Gate     *moderation.Gate
	Model    agent.LanguageModel
	Ledger   *ledger.Ledger
	// ConversationLog is optional.
	ConversationLog agent.ConversationLogger
	Settings        Settings
	Logger          *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Sessions == nil || cfg.Machine == nil || cfg.Gate == nil || cfg.Model == nil || cfg.Ledger == nil {
		return nil, errors.New("orchestrator: sessions, machine, gate, model and ledger are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConversationLog == nil {
		cfg.ConversationLog = agent.NopConversationLogger()
	}
	return &Orchestrator{
		sessions: cfg.Sessions,
		machine:  cfg.Machine,
		gate:     cfg.Gate,
		model:    cfg.Model,
		ledger:   cfg.Ledger,
		convLog:  cfg.ConversationLog,
		settings: cfg.Settings,
		logger:   cfg.Logger,
	}, nil
}

// HandleMessage processes in and sends any replies through out.
//
// Failures scoped to the message (moderation errors, unaffordable requests,
// model failures, send failures) are handled here and never returned. A
// returned error is fatal to the process: the ledger could not be debited.
func (o *Orchestrator) HandleMessage(ctx context.Context, in domain.Inbound, out Sender) error {
	if in.Command != domain.CommandNone {
		return o.handleCommand(ctx, in, out)
	}

	o.moderate(ctx, in, out)

	err := o.sessions.With(ctx, in.ChatID, func(s *session.Session) error {
		decision := o.machine.Decide(s)
		o.logger.Debug("Engagement decision",
			"chat_id", in.ChatID,
			"session_id", s.EngagementID,
			"decision", decision.String())

		if decision == session.DecisionReset {
			o.logger.Info("Conversation ceiling reached, session reset", "chat_id", in.ChatID)
			return nil
		}
		if !decision.Responds() {
			return nil
		}
		return o.respond(ctx, s, in, out)
	})
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		o.logger.Debug("Message dropped", "chat_id", in.ChatID, "error", err)
		return nil
	}
	return err
}

func (o *Orchestrator) respond(ctx context.Context, s *session.Session, in domain.Inbound, out Sender) error {
	turns := BuildPrompt(s.Conversation.Turns(), in.Text)
	estimate := EstimateCost(o.settings.SystemPrompt, turns, o.settings.MaxResponseTokens)

	reservation, err := o.ledger.Reserve(estimate)
	if err != nil {
		o.logger.Warn("Request not affordable",
			"chat_id", in.ChatID,
			"estimate", estimate,
			"credits_remaining", o.ledger.Available())
		o.send(ctx, out, in, Apology(apologyReason(err)))
		return nil
	}

	callCtx, cancel := o.withTimeout(ctx)
	result, err := o.model.Complete(callCtx, agent.Completion{
		SystemPrompt: o.settings.SystemPrompt,
		Turns:        turns,
		Temperature:  o.settings.Temperature,
		MaxTokens:    o.settings.MaxResponseTokens,
	})
	cancel()
	if err != nil {
		reservation.Release()
		o.logger.Warn("Model call failed",
			"chat_id", in.ChatID,
			"kind", string(agent.KindOf(err)),
			"error", err)
		o.send(ctx, out, in, Apology(apologyReason(err)))
		return nil
	}

	// The debit is settled before the exchange is stored: a failed commit is
	// fatal and must leave the conversation untouched.
	if err := reservation.Commit(ctx, result.TokensUsed); err != nil {
		return fmt.Errorf("debit ledger for chat %s: %w", in.ChatID, err)
	}
	s.CommitExchange(in.Text, result.Text)

	o.logger.Info("Reply generated",
		"chat_id", in.ChatID,
		"session_id", s.EngagementID,
		"estimate", estimate,
		"actual_cost", result.TokensUsed,
		"credits_remaining", o.ledger.Remaining(),
		"turns", s.Conversation.Len())

	o.convLog.Log(agent.ConversationLogEvent{
		Timestamp:    now(),
		ChatID:       in.ChatID,
		EngagementID: s.EngagementID,
		EventType:    agent.EventUserMessage,
		ContentRaw:   in.Text,
	})
	o.convLog.Log(agent.ConversationLogEvent{
		Timestamp:    now(),
		ChatID:       in.ChatID,
		EngagementID: s.EngagementID,
		EventType:    agent.EventAssistantMessage,
		ContentRaw:   result.Text,
		Meta:         map[string]any{"tokens_used": result.TokensUsed},
	})

	o.send(ctx, out, in, result.Text)
	return nil
}

// moderate replies with the verdict summary when in is flagged. A failed
// classification counts as not flagged.
func (o *Orchestrator) moderate(ctx context.Context, in domain.Inbound, out Sender) {
	callCtx, cancel := o.withTimeout(ctx)
	verdict := o.gate.Check(callCtx, in.ChatID, in.Text)
	cancel()
	if !verdict.Flagged() {
		return
	}

	summary := verdict.Summary()
	o.logger.Info("Message flagged by moderation", "chat_id", in.ChatID, "labels", verdict.Labels())
	o.convLog.Log(agent.ConversationLogEvent{
		Timestamp:  now(),
		ChatID:     in.ChatID,
		EventType:  agent.EventModerationFlagged,
		ContentRaw: in.Text,
		Meta:       map[string]any{"summary": summary},
	})
	o.send(ctx, out, in, summary)
}

func (o *Orchestrator) handleCommand(ctx context.Context, in domain.Inbound, out Sender) error {
	if in.Command == domain.CommandHelp {
		o.send(ctx, out, in, HelpText())
		return nil
	}

	var reply string
	err := o.sessions.With(ctx, in.ChatID, func(s *session.Session) error {
		switch in.Command {
		case domain.CommandStart:
			if s.Start() {
				o.logger.Info("Session started by command", "chat_id", in.ChatID, "session_id", s.EngagementID)
			}
			reply = Greeting
		case domain.CommandStop:
			if s.Stop() {
				o.logger.Info("Session stopped by command", "chat_id", in.ChatID)
				reply = Farewell
			}
		}
		return nil
	})
	if err != nil {
		// Only a cancelled context can fail here.
		o.logger.Debug("Command dropped", "chat_id", in.ChatID, "command", in.Command.String(), "error", err)
		return nil
	}
	if reply != "" {
		o.send(ctx, out, in, reply)
	}
	return nil
}

func (o *Orchestrator) send(ctx context.Context, out Sender, in domain.Inbound, text string) {
	msg := domain.Outbound{ChatID: in.ChatID, Text: text, ReplyTo: in.MessageID}
	if err := out.Send(ctx, msg); err != nil {
		o.logger.Warn("Failed to send reply", "chat_id", in.ChatID, "error", err)
	}
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.settings.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.settings.RequestTimeout)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
