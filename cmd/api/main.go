package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/api/handlers"
	"github.com/ragquery/backend/internal/embedding"
	"github.com/ragquery/backend/internal/ingestion"
	"github.com/ragquery/backend/internal/llm"
	"github.com/ragquery/backend/internal/metrics"
	"github.com/ragquery/backend/internal/middleware/ratelimit"
	"github.com/ragquery/backend/internal/middleware/security"
	"github.com/ragquery/backend/internal/middleware/validation"
	"github.com/ragquery/backend/internal/query"
	"github.com/ragquery/backend/pkg/config"
	appLogger "github.com/ragquery/backend/pkg/logger"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

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

	appLogger.Info("Starting RAG query API server")
	metrics.Init()

	ctx := context.Background()

	db, err := openStore(ctx, cfg.Storage)
	if err != nil {
		appLogger.Fatal("Failed to open query store", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
	}
	defer db.Close()

	c, closeCache, cachePinger := openCache(ctx, cfg)
	defer closeCache()

	index, err := openVectorIndex(ctx, cfg.Vector)
	if err != nil {
		appLogger.Fatal("Failed to open vector index", zap.String("provider", cfg.Vector.Provider), zap.Error(err))
	}
	defer index.Close()

	embedder, err := embedding.New(cfg.Embedding, c, time.Duration(cfg.Cache.EmbeddingTTLSec)*time.Second)
	if err != nil {
		appLogger.Fatal("Failed to create embedder", zap.Error(err))
	}

	generators := llm.FromConfig(cfg.LLM)
	appLogger.Info("LLM providers registered", zap.Strings("providers", generators.Names()))

	queryEngine := query.NewEngine(db, embedder, index, c, generators, query.OptionsFromConfig(cfg))
	processor := ingestion.NewProcessor(db, embedder, index, c, ingestion.Config{
		ChunkSize:    cfg.Ingestion.ChunkSize,
		ChunkOverlap: cfg.Ingestion.ChunkOverlap,
		MaxBytes:     int64(cfg.Ingestion.MaxFileMB) << 20,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	allowOrigins := "*"
	if len(cfg.Security.AllowedOrigins) > 0 {
		allowOrigins = strings.Join(cfg.Security.AllowedOrigins, ", ")
	}

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:  allowOrigins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods:  "GET, POST, PUT, DELETE, OPTIONS",
		ExposeHeaders: "X-Query-ID, X-RateLimit-Limit, X-RateLimit-Remaining",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Security.AllowedOrigins,
		IsDevelopment:  cfg.Security.IsDevelopment,
	}))
	app.Use(validation.Middleware(validation.Config{
		MaxQueryLength: cfg.Validation.MaxQueryLength,
		Logger:         appLogger.GetLogger(),
	}))

	var protected []fiber.Handler
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(ratelimit.Config{
			MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
			Logger:               appLogger.GetLogger(),
		})
		defer limiter.Stop()
		protected = append(protected, limiter.Middleware())
	}

	validator := validation.New(validation.Config{MaxQueryLength: cfg.Validation.MaxQueryLength})
	deps := map[string]handlers.Pinger{"database": db}
	if cachePinger != nil {
		deps["cache"] = cachePinger
	}

	handlers.Routes{
		Query:     handlers.NewQueryHandler(queryEngine, validator),
		Document:  handlers.NewDocumentHandler(processor),
		WebSocket: handlers.NewWebSocketHandler(queryEngine, validator),
		Health:    handlers.NewHealthHandler(deps),
	}.Register(app, protected...)

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
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
