// Package api provides the HTTP and gRPC surfaces of the relay.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/chatrelay/internal/middleware"
	"github.com/ashureev/chatrelay/internal/session"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// LedgerReader exposes the credit balance.
type LedgerReader interface {
	Remaining() int64
	Available() int64
}

// SessionReader looks up chat sessions.
type SessionReader interface {
	Snapshot(ctx context.Context, chatID string) (session.Session, bool, error)
}

// Handler serves the status endpoints.
type Handler struct {
	ledger   LedgerReader
	sessions SessionReader
}

// NewHandler creates a new Handler.
func NewHandler(ledger LedgerReader, sessions SessionReader) *Handler {
	return &Handler{ledger: ledger, sessions: sessions}
}

// RouterConfig holds everything mounted on the HTTP router.
type RouterConfig struct {
	Handler        *Handler
	ChatSocket     http.Handler // mounted at /ws/chat when set
	AllowedOrigins []string
}

// NewRouter builds the HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	cfg.Handler.RegisterRoutes(r)

	if cfg.ChatSocket != nil {
		r.Get("/ws/chat", cfg.ChatSocket.ServeHTTP)
	}
	return r
}

// RegisterRoutes mounts the status endpoints on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/ledger", h.GetLedger)
		r.Get("/chats/{chatID}", h.GetChat)
	})
}

type ledgerResponse struct {
	CreditsRemaining int64 `json:"credits_remaining"`
	CreditsAvailable int64 `json:"credits_available"`
}

// GetLedger reports the credit balance.
func (h *Handler) GetLedger(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, ledgerResponse{
		CreditsRemaining: h.ledger.Remaining(),
		CreditsAvailable: h.ledger.Available(),
	})
}

type chatResponse struct {
	ChatID       string `json:"chat_id"`
	State        string `json:"state"`
	EngagementID string `json:"engagement_id,omitempty"`
	Turns        int    `json:"turns"`
	Ceiling      int    `json:"ceiling"`
}

// GetChat reports the engagement state of one chat. Turn contents are not
// exposed.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	s, ok, err := h.sessions.Snapshot(r.Context(), chatID)
	if err != nil {
		Error(w, http.StatusServiceUnavailable, "chat is busy")
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}
	JSON(w, http.StatusOK, chatResponse{
		ChatID:       s.ChatID,
		State:        s.State.String(),
		EngagementID: s.EngagementID,
		Turns:        s.Conversation.Len(),
		Ceiling:      s.Conversation.Ceiling(),
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
