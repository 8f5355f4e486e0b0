package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/chatrelay/internal/moderation"
	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to the OpenAI chat completion and moderation endpoints.
type OpenAIClient struct {
	client          *openai.Client
	model           string
	moderationModel string
	logger          *slog.Logger
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	Token   string
	BaseURL string
	Model   string
	// ModerationModel is left empty to use the endpoint default.
	ModerationModel string
	RequestTimeout  time.Duration
}

// DefaultOpenAIConfig returns default configuration.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:          openai.GPT3Dot5Turbo,
		RequestTimeout: 30 * time.Second,
	}
}

// NewOpenAIClient creates a client from cfg.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Token == "" {
		return nil, errors.New("openai token is required")
	}

	defaults := DefaultOpenAIConfig()
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}

	oc := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}

	logger.Info("OpenAI client configured", "model", cfg.Model, "base_url", oc.BaseURL)

	return &OpenAIClient{
		client:          openai.NewClientWithConfig(oc),
		model:           cfg.Model,
		moderationModel: cfg.ModerationModel,
		logger:          logger,
	}, nil
}

// Complete requests a chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Completion) (*CompletionResult, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.SystemPrompt,
	})
	for _, turn := range req.Turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(turn.Role),
			Content: turn.Text,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, classifyError("chat", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &CallError{Kind: KindParse, Op: "chat", Err: errors.New("response has no choices")}
	}

	c.logger.Debug("Chat completion received",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"total_tokens", resp.Usage.TotalTokens,
		"finish_reason", resp.Choices[0].FinishReason)

	return &CompletionResult{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: uint64(max(resp.Usage.TotalTokens, 0)),
	}, nil
}

// Classify requests a moderation classification for text.
func (c *OpenAIClient) Classify(ctx context.Context, text string) (moderation.Categories, error) {
	resp, err := c.client.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: c.moderationModel,
	})
	if err != nil {
		return moderation.Categories{}, classifyError("moderation", err)
	}
	if len(resp.Results) == 0 {
		return moderation.Categories{}, &CallError{Kind: KindParse, Op: "moderation", Err: errors.New("response has no results")}
	}

	cats := resp.Results[0].Categories
	return moderation.Categories{
		Hate:            cats.Hate,
		HateThreatening: cats.HateThreatening,
		SelfHarm:        cats.SelfHarm,
		Sexual:          cats.Sexual,
		SexualMinors:    cats.SexualMinors,
		Violence:        cats.Violence,
		ViolenceGraphic: cats.ViolenceGraphic,
	}, nil
}

func classifyError(op string, err error) error {
	var (
		apiErr    *openai.APIError
		reqErr    *openai.RequestError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &apiErr):
		return &CallError{Kind: KindNetwork, Op: op, Code: apiErr.HTTPStatusCode, Err: err}
	case errors.As(err, &reqErr):
		return &CallError{Kind: KindNetwork, Op: op, Code: reqErr.HTTPStatusCode, Err: err}
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, io.ErrUnexpectedEOF):
		return &CallError{Kind: KindParse, Op: op, Err: err}
	default:
		return &CallError{Kind: KindNetwork, Op: op, Err: fmt.Errorf("request failed: %w", err)}
	}
}
