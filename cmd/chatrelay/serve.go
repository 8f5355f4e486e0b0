package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatrelay/internal/agent"
	"github.com/ashureev/chatrelay/internal/api"
	"github.com/ashureev/chatrelay/internal/chat"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/ledger"
	"github.com/ashureev/chatrelay/internal/moderation"
	"github.com/ashureev/chatrelay/internal/session"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/transport"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay with its Telegram, WebSocket and health endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := setupLogging(cmd, os.Stdout)
			loadDotEnv()

			cfg, err := config.Load()
			if err != nil {
				logger.Error("Failed to load configuration", "error", err)
				return err
			}
			if err := serve(cfg, logger); err != nil {
				logger.Error("Relay stopped with error", "error", err)
				return err
			}
			return nil
		},
	}
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting relay", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	repo, err := store.Open(cfg.Ledger.Backend, cfg.Ledger.Path, logger)
	if err != nil {
		return fmt.Errorf("open ledger storage: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close ledger storage", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("ledger storage health check: %w", err)
	}

	budget, err := ledger.Load(ctx, repo, cfg.Ledger.InitialCredits, logger)
	if err != nil {
		return err
	}

	allow, err := transport.LoadAllowList(cfg.AllowListPath)
	if err != nil {
		return err
	}
	logger.Info("Allow-list loaded", "path", cfg.AllowListPath, "chats", allow.Len())

	client, err := agent.NewOpenAIClient(agent.OpenAIConfig{
		Token:          cfg.OpenAI.Token,
		BaseURL:        cfg.OpenAI.BaseURL,
		Model:          cfg.OpenAI.Model,
		RequestTimeout: cfg.OpenAI.RequestTimeout,
	}, logger)
	if err != nil {
		return err
	}

	convLog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := convLog.Close(); closeErr != nil {
			logger.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	sessions := session.NewStore(cfg.Engine.ConversationCeiling)
	orchestrator, err := chat.NewOrchestrator(chat.Config{
		Sessions:        sessions,
		Machine:         session.NewMachine(cfg.Engine.EngagementOdds, nil),
		Gate:            moderation.NewGate(client, logger),
		Model:           client,
		Ledger:          budget,
		ConversationLog: convLog,
		Settings: chat.Settings{
			SystemPrompt:      cfg.Engine.SystemPrompt,
			Temperature:       cfg.Engine.Temperature,
			MaxResponseTokens: cfg.Engine.MaxResponseTokens,
			RequestTimeout:    cfg.OpenAI.RequestTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	dispatcher := chat.NewDispatcher(orchestrator, cfg.Engine.DispatchQueueSize, logger)
	limiter := transport.NewRateLimiter(cfg.RateLimit)

	socket := transport.NewWebSocketTransport(transport.WebSocketConfig{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
	}, dispatcher, allow, limiter, logger)

	var telegram *transport.TelegramTransport
	if cfg.Telegram.Token != "" {
		telegram, err = transport.NewTelegramTransport(transport.TelegramConfig{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.Telegram.PollTimeout,
		}, dispatcher, allow, limiter, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Info("Telegram transport disabled (TELEGRAM_BOT_TOKEN not set)")
	}

	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}
	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(api.RouterConfig{
			Handler:        api.NewHandler(budget, sessions),
			ChatSocket:     socket,
			AllowedOrigins: origins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	health := api.NewHealthServer(api.HealthConfig{
		Ledger:       budget,
		Storage:      repo,
		LowWatermark: cfg.Ledger.LowWatermark,
		Logger:       logger,
	})
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen on gRPC port: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		health.Watch(gctx)
		return nil
	})
	g.Go(func() error {
		return health.Serve(gctx, grpcListener)
	})
	g.Go(func() error {
		return serveHTTP(gctx, srv, socket, logger)
	})
	if telegram != nil {
		g.Go(func() error {
			return telegram.Run(gctx)
		})
	}

	err = g.Wait()
	if err != nil {
		return err
	}
	logger.Info("Relay stopped", "credits_remaining", budget.Remaining())
	return nil
}

func serveHTTP(ctx context.Context, srv *http.Server, socket *transport.WebSocketTransport, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	socket.Connections().CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server stopped successfully")
	return nil
}
