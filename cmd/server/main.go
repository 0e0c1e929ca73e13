package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"narrator-backend/internal/chat"
	"narrator-backend/internal/config"
	"narrator-backend/internal/database"
	"narrator-backend/internal/handlers"
	"narrator-backend/internal/llm"
	"narrator-backend/internal/logging"
	"narrator-backend/internal/middleware"
	"narrator-backend/internal/options"
	"narrator-backend/internal/repository"
	"narrator-backend/internal/router"
	"narrator-backend/internal/rules"
	"narrator-backend/internal/session"
	"narrator-backend/internal/websocket"
	"narrator-backend/internal/worker"
	"narrator-backend/migrations"
)

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()

	logger, err := logging.New(cfg.Env, false)
	if err != nil {
		log.Fatalf("✗ %v", err)
	}
	defer logger.Sync()
	logger.Info("starting narrator backend", zap.String("env", cfg.Env))

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("postgres connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("postgres connected")

	// ──── Step 3: Initialize Redis Clients ────
	var (
		optionsBackend options.Backend = options.NewMemoryBackend()
		flagStore      session.FlagStore
		storeClient    *redis.Client
		pubsubClient   *redis.Client
	)
	if cfg.RedisURL != "" {
		redisClients, err := database.NewRedisClients(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisClients.Close()
		logger.Info("redis connected")

		optionsBackend = options.NewRedisBackend(redisClients.Store)
		flagStore = repository.NewRedisFlagStore(redisClients.Store)
		storeClient, pubsubClient = redisClients.Store, redisClients.PubSub
	} else {
		logger.Warn("REDIS_URL not set, running as a single instance")
	}

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, migrations.FS, logger); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	// ──── Initialize Repositories ────
	chatRepo := repository.NewChatRepo(pool)
	syncRepo := repository.NewSyncRepo(pool)

	sealer, err := options.NewSealer(cfg.OptionsSecret)
	if err != nil {
		logger.Fatal("options sealer initialization failed", zap.Error(err))
	}

	dmRules, err := rules.Load(cfg.RulesPath)
	if err != nil {
		logger.Fatal("rules could not be loaded", zap.Error(err))
	}

	// ──── Step 5: Initialize Completion Providers ────
	openAI := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:            cfg.OpenAIBaseURL,
		ProxyURL:           cfg.OpenAIProxyURL,
		ConcurrentRequests: cfg.OpenAIConcurrentReqs,
		RequestsPerMinute:  cfg.OpenAIRequestsPerMin,
	}, logger)

	var gemini llm.Completer
	if cfg.GeminiAPIKey != "" {
		geminiClient, err := llm.NewGeminiClient(context.Background(), cfg.GeminiAPIKey, logger)
		if err != nil {
			logger.Fatal("gemini client initialization failed", zap.Error(err))
		}
		defer geminiClient.Close()
		gemini = geminiClient
		logger.Info("gemini client initialized")
	}
	completer := llm.NewRouter(openAI, gemini)

	// ──── Step 6: Start Generation Worker Pool ────
	workerPool := worker.NewPool(cfg.GenerationWorkers, cfg.GenerationQueueSize, logger)
	workerPool.Start()

	// ──── Step 7: Session Registry and WebSocket Hub ────
	var registry *session.Registry
	wsHub := websocket.NewHub(pubsubClient, func(id string) bool { return registry.Exists(id) }, logger)

	shared := session.Shared{
		Store:          chatRepo,
		Chats:          chat.NewCache(cfg.ChatCacheSize),
		Completer:      completer,
		Pool:           workerPool,
		OptionsBackend: optionsBackend,
		Sealer:         sealer,
		Defaults:       options.Defaults(cfg.DefaultModel, cfg.DefaultTemperature),
		Sync:           syncRepo,
		Rules:          dmRules,
		Narrative:      cfg.NarrativeMode,
		ProxySupported: completer.ProxySupported,
		Notifier:       websocket.NewNotifier(storeClient, wsHub),
		Flags:          flagStore,
		Logger:         logger,
	}
	registry = session.NewRegistry(shared.Build, cfg.SessionTTL, logger)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go registry.Run(bgCtx, time.Minute)

	// ──── Step 8: Start HTTP Server ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst, 10*time.Minute)
	go limiter.Run(bgCtx)

	r := router.New(
		jwtAuth,
		limiter,
		handlers.NewSessionHandler(registry, logger),
		handlers.NewChatsHandler(chatRepo, logger),
		wsHub,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		stopBackground()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}

		wsHub.Close()
		registry.Close()
		workerPool.Stop()
	}()

	logger.Info("narrator backend ready",
		zap.String("api", fmt.Sprintf("http://localhost:%s/api/v1", cfg.Port)),
		zap.String("ws", fmt.Sprintf("ws://localhost:%s/api/v1/sessions/{sid}/ws", cfg.Port)))

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	<-stopped
	logger.Info("narrator backend stopped")
}
