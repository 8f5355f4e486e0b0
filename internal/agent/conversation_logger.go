package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one line of a conversation transcript.
type ConversationLogEvent struct {
	Timestamp    string         `json:"ts"`
	ChatID       string         `json:"chat_id"`
	EngagementID string         `json:"engagement_id,omitempty"`
	EventType    string         `json:"event_type"`
	ContentRaw   string         `json:"content_raw"`
	Content      string         `json:"content"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// Event types written to the conversation log.
const (
	EventUserMessage       = "user_message"
	EventAssistantMessage  = "assistant_message"
	EventModerationFlagged = "moderation_flagged"
)

// ConversationLogger records conversation events without blocking callers.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

// NopConversationLogger returns a logger that discards every event.
func NopConversationLogger() ConversationLogger {
	return noopConversationLogger{}
}

type ndjsonConversationLogger struct {
	cfg    ConversationLogConfig
	queue  chan ConversationLogEvent
	done   chan struct{}
	files  map[string]*os.File
	global *os.File
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewConversationLogger starts a background writer appending events as
// NDJSON, one file per chat under cfg.Dir plus an optional global file.
// When both outputs are disabled a no-op logger is returned.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return noopConversationLogger{}, nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	l := &ndjsonConversationLogger{
		cfg:    cfg,
		queue:  make(chan ConversationLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
		logger: logger,
	}

	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create conversation log directory: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

// Log enqueues event. Events are dropped when the queue is full.
func (l *ndjsonConversationLogger) Log(event ConversationLogEvent) {
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"chat_id", event.ChatID,
			"event_type", event.EventType)
	}
}

// Close flushes queued events and closes every open file.
func (l *ndjsonConversationLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done

	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *ndjsonConversationLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("failed to marshal conversation log event", "error", err)
			continue
		}
		line = append(line, '\n')

		if l.cfg.Enabled {
			if err := l.writeChat(event.ChatID, line); err != nil {
				l.logger.Warn("failed to write conversation log", "chat_id", event.ChatID, "error", err)
			}
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *ndjsonConversationLogger) writeChat(chatID string, line []byte) error {
	f, ok := l.files[chatID]
	if !ok {
		path := filepath.Join(l.cfg.Dir, sanitizePathComponent(chatID)+".ndjson")
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		l.files[chatID] = f
	}
	_, err := f.Write(line)
	return err
}

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// cleanForReadability strips ANSI escapes and control characters and
// collapses runs of whitespace.
func cleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func sanitizePathComponent(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}
