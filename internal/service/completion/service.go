package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/lead-relay/backend/internal/config"
	"github.com/zhouzirui/lead-relay/backend/internal/metrics"
	relaymodel "github.com/zhouzirui/lead-relay/backend/internal/model/relay"
	"github.com/zhouzirui/lead-relay/backend/internal/service/relay"
)

var (
	ErrNoMessages  = errors.New("messages are required")
	ErrInvalidRole = errors.New("message role must be system, user or assistant")
)

// Service forwards chat-completion requests to the configured vendor.
type Service struct {
	chatModel model.BaseChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]
	cfg       config.CompletionConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewService builds the vendor model from cfg. Missing credentials yield an
// unconfigured service whose calls fail with *relay.ConfigurationError.
func NewService(ctx context.Context, cfg config.CompletionConfig, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if !cfg.Enabled() {
		if logger == nil {
			logger = zap.NewNop()
		}
		return &Service{cfg: cfg, metrics: m, logger: logger.Named("completion")}, nil
	}

	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg, m, logger)
}

// NewServiceWithModel wires an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, cfg config.CompletionConfig, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	template := prompt.FromMessages(schema.FString, schema.MessagesPlaceholder("messages", false))

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile completion chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		chain:     runnable,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.Named("completion"),
	}, nil
}

// Configured reports whether requests can be forwarded.
func (s *Service) Configured() bool {
	return s.chain != nil
}

// Complete runs a non-streaming completion.
func (s *Service) Complete(ctx context.Context, req relaymodel.CompletionRequest) (*relaymodel.CompletionResponse, error) {
	input, opts, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	msg, err := s.chain.Invoke(ctx, input, compose.WithChatModelOption(opts...))
	if err != nil {
		s.metrics.VendorRequest(relay.VendorCompletion, metrics.OutcomeError)
		return nil, s.vendorError(ctx, err)
	}
	s.metrics.VendorRequest(relay.VendorCompletion, metrics.OutcomeOK)

	resp := s.toResponse(req, msg)
	s.logger.Debug("completion generated",
		zap.String("model", resp.Model),
		zap.Int("length", len(msg.Content)),
	)
	return resp, nil
}

// Stream runs a streaming completion. The caller must close the reader.
func (s *Service) Stream(ctx context.Context, req relaymodel.CompletionRequest) (*schema.StreamReader[*schema.Message], error) {
	input, opts, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	stream, err := s.chain.Stream(ctx, input, compose.WithChatModelOption(opts...))
	if err != nil {
		s.metrics.VendorRequest(relay.VendorCompletion, metrics.OutcomeError)
		return nil, s.vendorError(ctx, err)
	}
	s.metrics.VendorRequest(relay.VendorCompletion, metrics.OutcomeOK)
	return stream, nil
}

// Model resolves the model name used for req.
func (s *Service) Model(req relaymodel.CompletionRequest) string {
	if m := strings.TrimSpace(req.Model); m != "" {
		return m
	}
	return s.cfg.Model
}

// ToResponse converts a concatenated streamed message into the wire response.
func (s *Service) ToResponse(req relaymodel.CompletionRequest, msg *schema.Message) *relaymodel.CompletionResponse {
	return s.toResponse(req, msg)
}

func (s *Service) prepare(req relaymodel.CompletionRequest) (map[string]any, []model.Option, error) {
	if !s.Configured() {
		return nil, nil, &relay.ConfigurationError{
			Vendor:  relay.VendorCompletion,
			Missing: []string{"DEEPSEEK_API_KEY"},
		}
	}

	messages, err := toSchemaMessages(req.Messages)
	if err != nil {
		return nil, nil, err
	}

	opts := []model.Option{model.WithModel(s.Model(req))}
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(*req.Temperature))
	}
	if req.TopP != nil {
		opts = append(opts, model.WithTopP(*req.TopP))
	}
	if req.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*req.MaxTokens))
	}

	return map[string]any{"messages": messages}, opts, nil
}

func (s *Service) vendorError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.logger.Warn("completion failed", zap.Error(err))
	return &relay.VendorError{Vendor: relay.VendorCompletion, Err: err}
}

func (s *Service) toResponse(req relaymodel.CompletionRequest, msg *schema.Message) *relaymodel.CompletionResponse {
	resp := &relaymodel.CompletionResponse{
		ID:    "chatcmpl-" + uuid.NewString(),
		Model: s.Model(req),
		Choices: []relaymodel.CompletionChoice{{
			Index: 0,
			Message: relaymodel.CompletionMessage{
				Role:    string(schema.Assistant),
				Content: msg.Content,
			},
		}},
	}

	if meta := msg.ResponseMeta; meta != nil {
		resp.Choices[0].FinishReason = meta.FinishReason
		if meta.Usage != nil {
			resp.Usage = &relaymodel.CompletionUsage{
				PromptTokens:     meta.Usage.PromptTokens,
				CompletionTokens: meta.Usage.CompletionTokens,
				TotalTokens:      meta.Usage.TotalTokens,
			}
		}
	}
	return resp
}

func toSchemaMessages(in []relaymodel.CompletionMessage) ([]*schema.Message, error) {
	if len(in) == 0 {
		return nil, ErrNoMessages
	}

	out := make([]*schema.Message, 0, len(in))
	for _, m := range in {
		switch schema.RoleType(m.Role) {
		case schema.System:
			out = append(out, schema.SystemMessage(m.Content))
		case schema.User:
			out = append(out, schema.UserMessage(m.Content))
		case schema.Assistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
		}
	}
	return out, nil
}
