package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/lead-relay/backend/internal/config"
	"github.com/zhouzirui/lead-relay/backend/internal/handler"
	"github.com/zhouzirui/lead-relay/backend/internal/logging"
	"github.com/zhouzirui/lead-relay/backend/internal/metrics"
	"github.com/zhouzirui/lead-relay/backend/internal/service/completion"
	"github.com/zhouzirui/lead-relay/backend/internal/service/conversation"
	"github.com/zhouzirui/lead-relay/backend/internal/service/relay"
	"github.com/zhouzirui/lead-relay/backend/internal/service/session"
	"github.com/zhouzirui/lead-relay/backend/internal/service/transcript"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New()
	store := session.NewStore(cfg.Session.Capacity, m)
	reconciler := transcript.NewReconciler(transcript.Config{
		RecencyWindow:   cfg.Session.RecencyWindow,
		DuplicateWindow: cfg.Session.DuplicateWindow,
	})

	voiceflow := relay.NewVoiceflowClient(cfg.Voiceflow, nil, logger)
	if !voiceflow.Configured() {
		logger.Warn("Voiceflow 凭证未配置，文本对话将返回配置错误")
	}
	vapi := relay.NewVapiDialer(cfg.Vapi, logger)
	if !vapi.Configured() {
		logger.Warn("Vapi 凭证未配置，跳过语音功能")
	}
	vendorRelay := relay.New(voiceflow, vapi, m, logger)
	defer vendorRelay.Close()

	completionSvc, err := completion.NewService(ctx, cfg.Completion, m, logger)
	if err != nil {
		logger.Fatal("failed to initialize completion service", zap.Error(err))
	}
	if !completionSvc.Configured() {
		logger.Warn("DeepSeek 凭证未配置，跳过 completion 功能")
	}

	orchestrator := conversation.New(vendorRelay, store, reconciler, m, logger)

	router := handler.NewRouter(handler.Deps{
		Config:       cfg,
		Conversation: orchestrator,
		Relay:        vendorRelay,
		Completion:   completionSvc,
		Store:        store,
		Metrics:      m,
		Logger:       logger,
	})

	startServer(ctx, logger, cfg.Server, router)
}

func startServer(ctx context.Context, logger *zap.Logger, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("lead relay listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("lead relay stopped")
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
