package completion

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	relaymodel "github.com/zhouzirui/lead-relay/backend/internal/model/relay"
	completionService "github.com/zhouzirui/lead-relay/backend/internal/service/completion"
	"github.com/zhouzirui/lead-relay/backend/internal/service/relay"
	"github.com/zhouzirui/lead-relay/backend/pkg/utils"
)

const maxBodyBytes = 256 << 10

// Completer forwards chat-completion requests.
type Completer interface {
	Complete(ctx context.Context, req relaymodel.CompletionRequest) (*relaymodel.CompletionResponse, error)
	Stream(ctx context.Context, req relaymodel.CompletionRequest) (*schema.StreamReader[*schema.Message], error)
	ToResponse(req relaymodel.CompletionRequest, msg *schema.Message) *relaymodel.CompletionResponse
}

// Handler 对话补全处理器
type Handler struct {
	svc    Completer
	logger *zap.Logger
}

// New 创建补全处理器
func New(svc Completer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger.Named("completion")}
}

// RegisterRoutes 注册补全路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/completions", h.handleCompletion)
}

// RegisterLegacyRoutes keeps the path used by the existing web client.
func (h *Handler) RegisterLegacyRoutes(r chi.Router) {
	r.Post("/openai", h.handleCompletion)
}

// StreamEvent is the payload of each SSE frame.
type StreamEvent struct {
	Event    string                         `json:"event"`
	Content  string                         `json:"content,omitempty"`
	Response *relaymodel.CompletionResponse `json:"response,omitempty"`
	Error    string                         `json:"error,omitempty"`
}

func (h *Handler) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req relaymodel.CompletionRequest
	if err := utils.DecodeJSON(w, r, &req, maxBodyBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Stream {
		h.handleStream(w, r, req)
		return
	}

	resp, err := h.svc.Complete(r.Context(), req)
	if err != nil {
		status, message := h.classify(err)
		utils.RespondError(w, status, message)
		return
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, req relaymodel.CompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := h.svc.Stream(r.Context(), req)
	if err != nil {
		status, message := h.classify(err)
		utils.RespondError(w, status, message)
		return
	}
	defer stream.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	chunks := make([]*schema.Message, 0, 16)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			h.logger.Warn("completion stream interrupted", zap.Error(recvErr))
			h.send(w, flusher, StreamEvent{Event: "error", Error: "completion stream interrupted"})
			return
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			if err := h.send(w, flusher, StreamEvent{Event: "delta", Content: chunk.Content}); err != nil {
				return
			}
		}
	}

	var resp *relaymodel.CompletionResponse
	if len(chunks) > 0 {
		msg, err := schema.ConcatMessages(chunks)
		if err != nil {
			h.logger.Warn("failed to merge completion chunks", zap.Error(err))
			h.send(w, flusher, StreamEvent{Event: "error", Error: "failed to merge completion"})
			return
		}
		resp = h.svc.ToResponse(req, msg)
	} else {
		resp = h.svc.ToResponse(req, &schema.Message{Role: schema.Assistant})
	}

	if err := h.send(w, flusher, StreamEvent{Event: "message", Response: resp}); err != nil {
		return
	}
	_ = h.send(w, flusher, StreamEvent{Event: "end"})
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, event StreamEvent) error {
	return utils.SendSSEEvent(w, flusher, event.Event, event)
}

// classify maps service errors to HTTP status codes.
func (h *Handler) classify(err error) (int, string) {
	var (
		cfgErr    *relay.ConfigurationError
		vendorErr *relay.VendorError
	)
	switch {
	case errors.Is(err, completionService.ErrNoMessages), errors.Is(err, completionService.ErrInvalidRole):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, "DeepSeek API key not configured"
	case errors.As(err, &vendorErr):
		h.logger.Warn("completion vendor failed", zap.Error(err))
		return http.StatusBadGateway, "completion vendor request failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request cancelled"
	default:
		h.logger.Error("completion failed", zap.Error(err))
		return http.StatusInternalServerError, "completion failed"
	}
}
