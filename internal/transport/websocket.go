package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/coder/websocket"
)

// webSocketChatPrefix keeps WebSocket chats apart from Telegram chats that
// share a numeric id.
const webSocketChatPrefix = "ws:"

// ErrNoConnection is returned by Send when no client is attached to a chat.
var ErrNoConnection = errors.New("no websocket connection for chat")

// wsMessage is the JSON frame exchanged with WebSocket clients.
type wsMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	MessageID int    `json:"message_id,omitempty"`
	ReplyTo   int    `json:"reply_to,omitempty"`
}

// Frame types.
const (
	frameMessage = "message"
	frameCommand = "command"
	framePing    = "ping"
	framePong    = "pong"
	frameReply   = "reply"
	frameError   = "error"
)

// ConnRegistry tracks the WebSocket connections attached to each chat.
type ConnRegistry struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry(logger *slog.Logger) *ConnRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnRegistry{
		active: make(map[string]map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

// Register attaches conn to chatID.
func (m *ConnRegistry) Register(chatID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.active[chatID]
	if !ok {
		conns = make(map[*websocket.Conn]struct{})
		m.active[chatID] = conns
	}
	conns[conn] = struct{}{}
	m.logger.Info("Chat connection registered", "chat_id", chatID, "connections", len(conns))
}

// Unregister detaches conn from chatID.
func (m *ConnRegistry) Unregister(chatID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.active[chatID]
	if !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(m.active, chatID)
	}
	m.logger.Info("Chat connection unregistered", "chat_id", chatID)
}

// Conns returns the connections attached to chatID.
func (m *ConnRegistry) Conns(chatID string) []*websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(m.active[chatID]))
	for c := range m.active[chatID] {
		conns = append(conns, c)
	}
	return conns
}

// CloseAll closes every connection, e.g. on shutdown.
func (m *ConnRegistry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for chatID, conns := range m.active {
		for c := range conns {
			_ = c.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, chatID)
	}
}

// WebSocketTransport serves chats over WebSocket at /ws/chat?chat_id=<id>.
type WebSocketTransport struct {
	submitter     Submitter
	allow         *AllowList
	limiter       *RateLimiter
	conns         *ConnRegistry
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// WebSocketConfig configures a WebSocketTransport.
type WebSocketConfig struct {
	AllowedOrigin string
	IsDev         bool
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(cfg WebSocketConfig, submitter Submitter, allow *AllowList, limiter *RateLimiter, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}
	return &WebSocketTransport{
		submitter:     submitter,
		allow:         allow,
		limiter:       limiter,
		conns:         NewConnRegistry(logger),
		allowedOrigin: cfg.AllowedOrigin,
		isDev:         cfg.IsDev,
		logger:        logger,
	}
}

// Connections exposes the connection registry.
func (t *WebSocketTransport) Connections() *ConnRegistry {
	return t.conns
}

// ServeHTTP upgrades the request and relays frames until the client leaves.
func (t *WebSocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawID := r.URL.Query().Get("chat_id")
	if rawID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	if !t.allow.Allows(rawID) {
		t.logger.Warn("WebSocket chat rejected by allow-list", "chat_id", rawID, "ip", r.RemoteAddr)
		http.Error(w, "chat not allowed", http.StatusForbidden)
		return
	}
	if !t.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		t.logger.Error("Failed to accept WebSocket", "error", err, "chat_id", rawID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			t.logger.Debug("Failed to close websocket", "error", closeErr, "chat_id", rawID)
		}
	}()

	chatID := webSocketChatPrefix + rawID
	t.conns.Register(chatID, ws)
	defer t.conns.Unregister(chatID, ws)

	t.readLoop(r.Context(), ws, chatID)
}

func (t *WebSocketTransport) checkOrigin(r *http.Request) bool {
	if t.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || t.allowedOrigin == "" || t.allowedOrigin == "*" {
		return true
	}
	if origin == t.allowedOrigin {
		return true
	}
	t.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", t.allowedOrigin)
	return false
}

func (t *WebSocketTransport) readLoop(ctx context.Context, ws *websocket.Conn, chatID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				t.logger.Debug("WebSocket closed by client", "chat_id", chatID)
			} else {
				t.logger.Warn("WebSocket read error", "error", err, "chat_id", chatID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.writeFrame(ctx, ws, wsMessage{Type: frameError, Content: "invalid_frame"})
			continue
		}

		switch msg.Type {
		case framePing:
			t.writeFrame(ctx, ws, wsMessage{Type: framePong})
		case frameCommand:
			cmd := domain.ParseCommand(strings.TrimPrefix(strings.TrimSpace(msg.Content), "/"))
			if cmd == domain.CommandNone {
				t.writeFrame(ctx, ws, wsMessage{Type: frameError, Content: "unknown_command"})
				continue
			}
			t.submit(ctx, ws, domain.Inbound{ChatID: chatID, MessageID: msg.MessageID, Command: cmd})
		case frameMessage:
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			if !t.limiter.Allow(chatID) {
				t.writeFrame(ctx, ws, wsMessage{Type: frameError, Content: "rate_limited", ReplyTo: msg.MessageID})
				continue
			}
			t.submit(ctx, ws, domain.Inbound{ChatID: chatID, MessageID: msg.MessageID, Text: msg.Content})
		default:
			t.writeFrame(ctx, ws, wsMessage{Type: frameError, Content: "unknown_frame_type"})
		}
	}
}

func (t *WebSocketTransport) submit(ctx context.Context, ws *websocket.Conn, in domain.Inbound) {
	if err := t.submitter.Submit(ctx, in, t); err != nil {
		t.logger.Warn("Failed to submit message", "chat_id", in.ChatID, "error", err)
		t.writeFrame(ctx, ws, wsMessage{Type: frameError, Content: "unavailable", ReplyTo: in.MessageID})
	}
}

// Send writes msg to every connection attached to its chat.
func (t *WebSocketTransport) Send(ctx context.Context, msg domain.Outbound) error {
	conns := t.conns.Conns(msg.ChatID)
	if len(conns) == 0 {
		return fmt.Errorf("%w %s", ErrNoConnection, msg.ChatID)
	}
	data, err := json.Marshal(wsMessage{Type: frameReply, Content: msg.Text, ReplyTo: msg.ReplyTo})
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *WebSocketTransport) writeFrame(ctx context.Context, ws *websocket.Conn, msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.logger.Debug("Failed to write frame", "type", msg.Type, "error", err)
	}
}
