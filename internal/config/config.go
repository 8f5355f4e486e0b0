// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCPort    string
	FrontendURL string

	OpenAI          OpenAIConfig
	Ledger          LedgerConfig
	Engine          EngineConfig
	Telegram        TelegramConfig
	AllowListPath   string
	RateLimit       int // messages per chat per minute; 0 disables the limit
	ConversationLog ConversationLogConfig
}

// OpenAIConfig configures the model and moderation backend.
type OpenAIConfig struct {
	Token          string
	BaseURL        string
	Model          string
	RequestTimeout time.Duration
}

// LedgerConfig configures credit persistence.
type LedgerConfig struct {
	Backend        string // "file" or "sqlite"
	Path           string
	InitialCredits uint64
	// LowWatermark marks the health check NOT_SERVING once the balance
	// is at or below it.
	LowWatermark int64
}

// EngineConfig tunes the conversation engine.
type EngineConfig struct {
	SystemPrompt        string
	Temperature         float32
	MaxResponseTokens   int
	ConversationCeiling int
	EngagementOdds      int
	DispatchQueueSize   int
}

// TelegramConfig configures the Telegram transport. An empty token disables it.
type TelegramConfig struct {
	Token       string
	PollTimeout int // seconds
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "9090"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		OpenAI: OpenAIConfig{
			Token:          getEnv("OPENAI_TOKEN", ""),
			BaseURL:        getEnv("OPENAI_BASE_URL", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-3.5-turbo"),
			RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		},
		Ledger: loadLedger(),
		Engine: EngineConfig{
			SystemPrompt:        getEnv("SYSTEM_PROMPT", "You are a funny friend talking to a bunch of nerds"),
			Temperature:         float32(getEnvFloat("TEMPERATURE", 0.8)),
			MaxResponseTokens:   getEnvInt("MAX_RESPONSE_TOKENS", 120),
			ConversationCeiling: getEnvInt("CONVERSATION_CEILING", 10),
			EngagementOdds:      getEnvInt("ENGAGEMENT_ODDS", 10),
			DispatchQueueSize:   getEnvInt("DISPATCH_QUEUE_SIZE", 32),
		},
		Telegram: TelegramConfig{
			Token:       getEnv("TELEGRAM_BOT_TOKEN", ""),
			PollTimeout: getEnvInt("TELEGRAM_POLL_TIMEOUT", 60),
		},
		AllowListPath: getEnv("ALLOWLIST_PATH", "whitelist.json"),
		RateLimit:     getEnvInt("RATE_LIMIT_PER_MINUTE", 20),
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadLedger reads only the ledger settings, for commands that inspect the
// budget without running the relay.
func LoadLedger() (LedgerConfig, error) {
	cfg := loadLedger()
	if err := cfg.Validate(); err != nil {
		return LedgerConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadLedger() LedgerConfig {
	return LedgerConfig{
		Backend:        getEnv("LEDGER_BACKEND", "file"),
		Path:           getEnv("LEDGER_PATH", "credits_budget.json"),
		InitialCredits: getEnvUint64("INITIAL_CREDITS", 2500000),
		LowWatermark:   int64(getEnvInt("LEDGER_LOW_WATERMARK", 0)),
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.GRPCPort == "" {
		return fmt.Errorf("GRPC_PORT cannot be empty")
	}
	if c.OpenAI.Token == "" {
		return fmt.Errorf("OPENAI_TOKEN cannot be empty")
	}
	if c.OpenAI.Model == "" {
		return fmt.Errorf("OPENAI_MODEL cannot be empty")
	}
	if c.OpenAI.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	if err := c.Ledger.Validate(); err != nil {
		return err
	}
	if c.Engine.Temperature < 0 || c.Engine.Temperature > 2 {
		return fmt.Errorf("TEMPERATURE must be between 0 and 2")
	}
	if c.Engine.MaxResponseTokens <= 0 {
		return fmt.Errorf("MAX_RESPONSE_TOKENS must be > 0")
	}
	if c.Engine.ConversationCeiling <= 0 || c.Engine.ConversationCeiling%2 != 0 {
		return fmt.Errorf("CONVERSATION_CEILING must be a positive even number")
	}
	if c.Engine.EngagementOdds <= 0 {
		return fmt.Errorf("ENGAGEMENT_ODDS must be > 0")
	}
	if c.Engine.DispatchQueueSize <= 0 {
		return fmt.Errorf("DISPATCH_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE cannot be negative")
	}
	if c.Telegram.Token != "" && c.Telegram.PollTimeout <= 0 {
		return fmt.Errorf("TELEGRAM_POLL_TIMEOUT must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// Validate checks the ledger settings.
func (c LedgerConfig) Validate() error {
	switch c.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("LEDGER_BACKEND must be \"file\" or \"sqlite\", got %q", c.Backend)
	}
	if c.Path == "" {
		return fmt.Errorf("LEDGER_PATH cannot be empty")
	}
	if c.LowWatermark < 0 {
		return fmt.Errorf("LEDGER_LOW_WATERMARK cannot be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvUint64(key string, fallback uint64) uint64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
