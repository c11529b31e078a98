package main

import (
	"context"
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

	"github.com/ragadmin/backend/internal/accuracy"
	"github.com/ragadmin/backend/internal/api/handlers"
	"github.com/ragadmin/backend/internal/cache/redis"
	"github.com/ragadmin/backend/internal/evaluation"
	"github.com/ragadmin/backend/internal/groundtruth"
	"github.com/ragadmin/backend/internal/ingestion"
	"github.com/ragadmin/backend/internal/llm"
	"github.com/ragadmin/backend/internal/metrics"
	"github.com/ragadmin/backend/internal/middleware/ratelimit"
	"github.com/ragadmin/backend/internal/middleware/security"
	"github.com/ragadmin/backend/internal/middleware/validation"
	"github.com/ragadmin/backend/internal/pipeline"
	"github.com/ragadmin/backend/internal/query"
	"github.com/ragadmin/backend/internal/schema"
	"github.com/ragadmin/backend/internal/storage/sqlite"
	"github.com/ragadmin/backend/internal/vector/milvus"
	"github.com/ragadmin/backend/pkg/config"
	appLogger "github.com/ragadmin/backend/pkg/logger"
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

	appLogger.Info("Starting RAG admin API server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize storage schema", zap.Error(err))
	}

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.APIKey,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.EnsureCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Warn("Redis unavailable, running without cache", zap.Error(err))
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	discoverer := schema.NewDiscoverer(milvusClient, llmClient, schema.DiscovererOptions{
		SampleSize:   cfg.Pipeline.SampleSize,
		MinFrequency: cfg.Pipeline.MinFieldFreq,
		MaxExamples:  cfg.Pipeline.MaxExampleValues,
	})

	coordinator := pipeline.NewCoordinator(discoverer, pipeline.CoordinatorOptions{
		Debounce:    time.Duration(cfg.Pipeline.DebounceMs) * time.Millisecond,
		SettleDelay: time.Duration(cfg.Pipeline.SettleDelayMs) * time.Millisecond,
		QueueCap:    cfg.Pipeline.QueueCapacity,
		Snapshots:   sqliteClient,
	})
	if err := coordinator.LoadPersistedSchemas(); err != nil {
		appLogger.Warn("Failed to seed schemas from snapshots", zap.Error(err))
	}

	processor := ingestion.NewProcessor(milvusClient, llmClient, coordinator, redisClient, sqliteClient)

	settings := &pipeline.RetrievalSettings{}
	analyzer := query.NewAnalyzer(coordinator, nil)
	queryEngine := query.NewEngine(
		query.NewRouter(),
		analyzer,
		coordinator,
		milvusClient,
		llmClient,
		llmClient,
		query.EngineOptions{
			Cache:       redisClient,
			Settings:    settings,
			MetricStore: sqliteClient,
		},
	)

	extractor := groundtruth.NewExtractor(cfg.GroundTruth.ConfidenceFloor, cfg.GroundTruth.SkipNullKeys)
	tester := accuracy.NewTester(queryEngine)
	applier := pipeline.NewApplier(coordinator, settings, processor)
	optimizer := accuracy.NewOptimizer(applier, accuracy.OptimizerConfig{
		MaxActionsPerIteration: cfg.Optimizer.MaxActionsPerIter,
		DryRun:                 cfg.Optimizer.DryRun,
	})

	orchestrator := pipeline.NewOrchestrator(coordinator, extractor, tester, optimizer, sqliteClient, pipeline.OrchestratorConfig{
		MaxIterations:  cfg.Optimizer.MaxIterations,
		TargetAccuracy: cfg.Optimizer.TargetAccuracy,
		DryRun:         cfg.Optimizer.DryRun,
	})
	orchestrator.SetRelevanceEvaluator(evaluation.NewEvaluator(llmClient, llmClient))

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
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	app.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.GetLogger(),
	}))
	app.Use(ratelimit.New(ratelimit.Config{Logger: appLogger.GetLogger()}).Middleware())

	queryHandler := handlers.NewQueryHandler(queryEngine)
	documentHandler := handlers.NewDocumentHandler(processor)
	pipelineHandler := handlers.NewPipelineHandler(coordinator, orchestrator, sqliteClient)
	wsHandler := handlers.NewWebSocketHandler(queryEngine, coordinator)

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)

	api.Post("/documents", documentHandler.UploadDocument)
	api.Delete("/documents/:namespace/:id", documentHandler.DeleteDocument)

	api.Get("/pipeline/status", pipelineHandler.GetStatus)
	api.Get("/pipeline/schemas", pipelineHandler.GetSchemas)
	api.Post("/pipeline/update", pipelineHandler.RequestUpdate)
	api.Post("/pipeline/run", pipelineHandler.RunPipeline)
	api.Get("/pipeline/run", pipelineHandler.GetCurrentRun)
	api.Get("/groundtruth/:employeeId", pipelineHandler.GetGroundTruth)

	app.Get("/ws", websocket.New(wsHandler.HandleConnection))
	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

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
