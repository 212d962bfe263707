package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/lead-relay/backend/internal/config"
	"github.com/zhouzirui/lead-relay/backend/internal/handler/chat"
	"github.com/zhouzirui/lead-relay/backend/internal/handler/completion"
	"github.com/zhouzirui/lead-relay/backend/internal/handler/lead"
	"github.com/zhouzirui/lead-relay/backend/internal/handler/voice"
	"github.com/zhouzirui/lead-relay/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/lead-relay/backend/internal/middleware"
	completionService "github.com/zhouzirui/lead-relay/backend/internal/service/completion"
	"github.com/zhouzirui/lead-relay/backend/internal/service/conversation"
	"github.com/zhouzirui/lead-relay/backend/internal/service/relay"
	"github.com/zhouzirui/lead-relay/backend/internal/service/session"
	"github.com/zhouzirui/lead-relay/backend/pkg/utils"
)

// Deps carries the services the router exposes.
type Deps struct {
	Config       *config.Config
	Conversation *conversation.Orchestrator
	Relay        *relay.Relay
	Completion   *completionService.Service
	Store        *session.Store
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(d.Config.Server.AllowedOrigins))

	chatHandler := chat.New(d.Conversation, logger)
	voiceHandler := voice.New(d.Conversation, d.Relay, voice.Options{
		PublicBaseURL: d.Config.Server.PublicBaseURL,
		PingInterval:  d.Config.Vapi.PingInterval,
		ReadTimeout:   d.Config.Vapi.ReadTimeout,
	}, logger)
	completionHandler := completion.New(d.Completion, logger)
	leadHandler := lead.New()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"vendors": map[string]bool{
				relay.VendorVoiceflow:  d.Relay.TextConfigured(),
				relay.VendorVapi:       d.Relay.VoiceConfigured(),
				relay.VendorCompletion: d.Completion.Configured(),
			},
			"sessions":     d.Store.Len(),
			"capacity":     d.Store.Capacity(),
			"voiceStreams": d.Relay.VoiceStreams(),
		})
	})
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	limit := middlewarePkg.RateLimit(d.Config.Server.RateLimitRPS, d.Config.Server.RateLimitBurst)

	r.Route("/relay", func(api chi.Router) {
		api.Use(limit)
		chatHandler.RegisterRoutes(api)
		voiceHandler.RegisterRoutes(api)
		completionHandler.RegisterRoutes(api)
		leadHandler.RegisterRoutes(api)
	})

	// 旧版前端使用的路径
	r.Route("/api", func(api chi.Router) {
		api.Use(limit)
		chatHandler.RegisterLegacyRoutes(api)
		voiceHandler.RegisterLegacyRoutes(api)
		completionHandler.RegisterLegacyRoutes(api)
	})

	return r
}
