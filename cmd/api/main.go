package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/kbgateway/backend/internal/api/handlers"
	rediscache "github.com/kbgateway/backend/internal/cache/redis"
	"github.com/kbgateway/backend/internal/ingest"
	"github.com/kbgateway/backend/internal/llm"
	"github.com/kbgateway/backend/internal/metrics"
	"github.com/kbgateway/backend/internal/middleware/ratelimit"
	"github.com/kbgateway/backend/internal/middleware/security"
	"github.com/kbgateway/backend/internal/query"
	"github.com/kbgateway/backend/internal/session"
	"github.com/kbgateway/backend/internal/storage/sqlite"
	"github.com/kbgateway/backend/internal/tenant"
	"github.com/kbgateway/backend/internal/vector/milvus"
	"github.com/kbgateway/backend/pkg/config"
	appLogger "github.com/kbgateway/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting KB Gateway API Server")

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	milvusClient, err := milvus.NewClient(cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.VectorDim)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	var embeddingCache llm.EmbeddingCache
	if cfg.Redis.Enabled {
		redisClient, err := rediscache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, embedding cache disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			embeddingCache = redisClient
		}
	}

	embedder := llm.NewEmbedder(cfg.LLM.OpenAIAPIKey, cfg.LLM.EmbeddingModel, embeddingCache)

	groqClient := llm.NewClient(llm.ClientConfig{
		Name:        "groq",
		APIKey:      cfg.LLM.GroqAPIKey,
		BaseURL:     cfg.LLM.GroqBaseURL,
		Model:       cfg.LLM.GroqModel,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		TimeoutSec:  cfg.LLM.TimeoutSec,
	})

	openaiClient := llm.NewClient(llm.ClientConfig{
		Name:        "openai",
		APIKey:      cfg.LLM.OpenAIAPIKey,
		Model:       cfg.LLM.OpenAIModel,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		TimeoutSec:  cfg.LLM.TimeoutSec,
	})

	defaultBackend, err := tenant.ParseBackend(cfg.LLM.DefaultBackend)
	if err != nil {
		appLogger.Fatal("Invalid default backend", zap.String("backend", cfg.LLM.DefaultBackend), zap.Error(err))
	}

	registry := tenant.NewRegistry(sqliteClient, tenant.Defaults{
		Backend:        defaultBackend,
		GroqModel:      cfg.LLM.GroqModel,
		OpenAIModel:    cfg.LLM.OpenAIModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
	})

	sessions := session.NewResolver(sqliteClient)

	crawler := ingest.NewCrawler(cfg.Ingest.CrawlMaxDepth, cfg.Ingest.CrawlMaxLinks)
	processor := ingest.NewProcessor(milvusClient, embedder, sqliteClient, crawler, cfg.Ingest.UploadDir)

	orchestrator := query.NewOrchestrator(
		registry,
		sessions,
		milvusClient,
		embedder,
		map[tenant.Backend]query.Completer{
			tenant.BackendGroq:   groqClient,
			tenant.BackendOpenAI: openaiClient,
		},
		sqliteClient,
		cfg.Chat.TopK,
		cfg.Chat.HistoryMessages,
	)

	metrics.Register()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	}))

	limiter := ratelimit.New(ratelimit.Config{
		Logger: appLogger.GetLogger(),
	})
	defer limiter.Stop()
	app.Use(limiter.Middleware())

	kbHandler := handlers.NewKBHandler(registry, processor, milvusClient, sqliteClient)
	chatHandler := handlers.NewChatHandler(orchestrator)
	wsHandler := handlers.NewWebSocketHandler(orchestrator)

	app.Post("/select-model", kbHandler.SelectModel)
	app.Post("/receive-file", kbHandler.ReceiveFile)
	app.Get("/listKB", kbHandler.ListKB)
	app.Get("/get_file_contents", kbHandler.GetFileContents)
	app.Post("/chat", chatHandler.Chat)
	app.Post("/delete", kbHandler.Delete)
	app.Post("/clear", kbHandler.Clear)
	app.Get("/status", kbHandler.Status)

	app.Get("/metrics", metrics.Handler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/chat", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
