package chat

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/lead-relay/backend/internal/model/chat"
	"github.com/zhouzirui/lead-relay/backend/internal/service/conversation"
	"github.com/zhouzirui/lead-relay/backend/internal/service/relay"
	"github.com/zhouzirui/lead-relay/backend/internal/service/session"
	"github.com/zhouzirui/lead-relay/backend/pkg/utils"
)

const maxBodyBytes = 64 << 10

// Conversation is the orchestrator surface used by the handler.
type Conversation interface {
	Turn(ctx context.Context, sessionID, text string, mode conversation.Mode) (*conversation.Result, error)
	History(ctx context.Context, sessionID string) []chat.Message
	ClearHistory(ctx context.Context, sessionID string) bool
}

// Handler 对话中继的HTTP处理器
type Handler struct {
	conv   Conversation
	logger *zap.Logger
}

// New 创建对话处理器
func New(conv Conversation, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{conv: conv, logger: logger.Named("chat")}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/history/{sessionID}", h.handleHistory)
	r.Delete("/history/{sessionID}", h.handleClearHistory)
}

// RegisterLegacyRoutes keeps the paths used by the existing web client.
func (h *Handler) RegisterLegacyRoutes(r chi.Router) {
	r.Post("/voiceflow", h.handleLegacyChat)
	r.Get("/voiceflow/history/{sessionID}", h.handleHistory)
	r.Delete("/voiceflow/history/{sessionID}", h.handleClearHistory)
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	// UserID is accepted as an alias of SessionID.
	UserID string `json:"userId"`
	Mode   string `json:"mode"`
}

type chatResponse struct {
	SessionID string `json:"sessionId"`
	// Response mirrors Reply for clients of the legacy route.
	Response  string `json:"response,omitempty"`
	*conversation.Result
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	h.serveChat(w, r, false)
}

// handleLegacyChat answers with the reply under "response" as well.
func (h *Handler) handleLegacyChat(w http.ResponseWriter, r *http.Request) {
	h.serveChat(w, r, true)
}

func (h *Handler) serveChat(w http.ResponseWriter, r *http.Request, legacy bool) {
	var payload chatRequest
	if err := utils.DecodeJSON(w, r, &payload, maxBodyBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode, err := conversation.ParseMode(payload.Mode)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = payload.UserID
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	result, err := h.conv.Turn(r.Context(), sessionID, payload.Message, mode)
	if err != nil {
		h.respondTurnError(w, sessionID, err)
		return
	}

	resp := chatResponse{SessionID: sessionID, Result: result}
	if legacy {
		resp.Response = result.Reply
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) respondTurnError(w http.ResponseWriter, sessionID string, err error) {
	var cfgErr *relay.ConfigurationError
	switch {
	case errors.Is(err, conversation.ErrEmptyInput):
		utils.RespondError(w, http.StatusBadRequest, "message is required")
	case errors.Is(err, session.ErrSessionRequired):
		utils.RespondError(w, http.StatusBadRequest, "sessionId is required")
	case errors.As(err, &cfgErr):
		h.logger.Error("vendor not configured", zap.String("vendor", cfgErr.Vendor), zap.Strings("missing", cfgErr.Missing))
		utils.RespondError(w, http.StatusInternalServerError, cfgErr.Vendor+" credentials not configured")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		utils.RespondError(w, http.StatusGatewayTimeout, "request cancelled")
	default:
		h.logger.Error("turn failed", zap.String("sessionId", sessionID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to relay message")
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"history": h.conv.History(r.Context(), sessionID),
	})
}

func (h *Handler) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	h.conv.ClearHistory(r.Context(), sessionID)
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Conversation history cleared",
	})
}
