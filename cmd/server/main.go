// Atlas - Agentic Course Tutor Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/evmakarov/atlas-tutor/internal/agent"
	"github.com/evmakarov/atlas-tutor/internal/api"
	"github.com/evmakarov/atlas-tutor/internal/citation"
	"github.com/evmakarov/atlas-tutor/internal/config"
	"github.com/evmakarov/atlas-tutor/internal/history"
	"github.com/evmakarov/atlas-tutor/internal/identity"
	"github.com/evmakarov/atlas-tutor/internal/middleware"
	"github.com/evmakarov/atlas-tutor/internal/store"
	"github.com/evmakarov/atlas-tutor/internal/stream"
	"github.com/evmakarov/atlas-tutor/web"
)

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Citation engine: one lock set shared by normalization and clearing.
	locks := citation.NewConversationLocks()
	counters := citation.NewCounters(repo)
	normalizer := citation.NewNormalizer(counters, locks, logger)

	// History read path: ephemeral snapshots in front of the durable log.
	snapshotCache := history.NewSnapshotCache(cfg.History.SnapshotTTL)
	snapshots := history.NewTwoTier(snapshotCache, repo, cfg.History.DurableReadTimeout, logger)
	reconstructor := history.NewReconstructor(snapshots, repo, logger)

	// Tutor runtime gRPC client (optional).
	var chatService *agent.Service
	var agentHandler *agent.Handler
	aiEnabled := false
	if cfg.AgentAddr != "" {
		slog.Info("Attempting to connect to tutor runtime via gRPC", "address", cfg.AgentAddr)

		grpcClient, err := agent.NewGrpcClient(cfg.AgentAddr, cfg.Timeout.AgentConnect, logger)
		if err != nil {
			slog.Warn("Failed to connect to tutor runtime, AI features will be disabled", "error", err)
		} else {
			aiEnabled = true

			conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
				Enabled:       cfg.ConversationLog.Enabled,
				Dir:           cfg.ConversationLog.Dir,
				GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
				GlobalPath:    cfg.ConversationLog.GlobalPath,
				QueueSize:     cfg.ConversationLog.QueueSize,
			}, logger)
			if err != nil {
				slog.Error("Failed to initialize conversation logger", "error", err)
				os.Exit(1)
			}

			chatService, err = agent.NewService(grpcClient, repo, normalizer, snapshots, logger)
			if err != nil {
				slog.Error("Failed to initialize chat service", "error", err)
				os.Exit(1)
			}

			agentHandler, err = agent.NewHandler(chatService, repo, conversationLogger, cfg)
			if err != nil {
				slog.Error("Failed to initialize chat handler", "error", err)
				os.Exit(1)
			}
			defer agentHandler.Close()
		}
	}
	if !aiEnabled {
		slog.Info("AI features disabled (TUTOR_AGENT_ADDR not set or connection failed)")
	}

	cm := stream.NewConnManager()

	// Initialize handlers. A nil *agent.Service must not be handed to the
	// interface parameters, hence the branch.
	baseHandler := api.NewHandler(repo)
	var historyHandler *api.HistoryHandler
	var healthHandler *api.HealthHandler
	if chatService != nil {
		historyHandler = api.NewHistoryHandler(baseHandler, reconstructor, snapshots, locks, chatService, cm, aiEnabled, cfg)
		healthHandler = api.NewHealthHandler(repo, chatService, cfg)
	} else {
		historyHandler = api.NewHistoryHandler(baseHandler, reconstructor, snapshots, locks, nil, cm, aiEnabled, cfg)
		healthHandler = api.NewHealthHandler(repo, nil, cfg)
	}

	var wsHandler *stream.WebSocketHandler
	if chatService != nil {
		wsHandler = stream.NewWebSocketHandler(repo, chatService, cm, snapshots, locks, cfg.FrontendURL, cfg.IsDevelopment())
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// All routes use identity middleware (no auth needed).
	historyHandler.RegisterRoutes(r)

	// Chat routes (only if AI is enabled).
	if agentHandler != nil {
		agentHandler.RegisterRoutes(r)
	}

	// WebSocket endpoint.
	if wsHandler != nil {
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	}

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start snapshot eviction worker.
	history.StartEvictionWorker(ctx, snapshotCache, cfg.History.EvictionInterval)
	slog.Info("Snapshot eviction worker started",
		"ttl", cfg.History.SnapshotTTL,
		"interval", cfg.History.EvictionInterval,
	)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
