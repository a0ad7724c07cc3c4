package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/devildev/api/internal/admission"
	"github.com/devildev/api/internal/auth"
	"github.com/devildev/api/internal/client"
	"github.com/devildev/api/internal/config"
	"github.com/devildev/api/internal/database"
	"github.com/devildev/api/internal/handler"
	"github.com/devildev/api/internal/middleware"
	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/pipeline"
	"github.com/devildev/api/internal/repository"
	"github.com/devildev/api/internal/repotree"
	"github.com/devildev/api/internal/service"
	ws "github.com/devildev/api/internal/websocket"
	"github.com/devildev/api/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	ctx := context.Background()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Initialize database
	db, err := database.Init(database.Config{
		Path:     cfg.Database.Path,
		LogLevel: database.LogLevel(cfg.Server.LogLevel),
	})
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close(db)

	projects := repository.NewProjectRepository(db)
	chats := repository.NewChatRepository(db)
	messages := repository.NewMessageRepository(db)
	versions := repository.NewArchitectureRepository(db)
	subscriptions := repository.NewSubscriptionRepository(db)

	validate := handler.NewValidator()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Generation backend (heuristic engine when no API key is configured)
	var engine pipeline.Engine
	llmConfigured := cfg.Generation.APIKey != ""
	if llmConfigured {
		gen, err := client.NewGenerationClient(ctx, &cfg.Generation)
		if err != nil {
			log.Printf("Warning: generation client not initialized, using heuristic engine: %v", err)
			engine = client.NewHeuristicEngine()
		} else {
			engine = gen
		}
	} else {
		log.Println("Info: generation API key not configured, using heuristic engine")
		engine = client.NewHeuristicEngine()
	}

	// Initialize R2 client (optional - versions are not archived without it)
	var r2Client *client.R2Client
	var archive pipeline.Archiver
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			archive = r2Client
		}
	} else {
		log.Println("Info: R2 storage not configured, versions are not archived")
	}

	orchestrator := pipeline.New(pipeline.Deps{
		Store:     pipeline.NewRedisJobStore(redisClient, cfg.Pipeline.Retention, cfg.Pipeline.IDRetention),
		Queue:     asynqClient,
		Engine:    engine,
		Repos:     client.NewGitRepository(&cfg.Repos),
		Artifacts: versions,
		Messages:  messages,
		Tiers:     subscriptions,
		Archive:   archive,
		Notify:    hub,
	}, pipelineConfig(cfg))

	// Token verification: Zitadel JWKS first, legacy HMAC secret as fallback
	var verifiers auth.Chain
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			verifiers = append(verifiers, jwksVerifier)
		}
	}
	if cfg.JWT.Secret != "" {
		verifiers = append(verifiers, auth.NewHMACVerifier(cfg.JWT.Secret))
	}

	// Initialize services
	workspaceService := service.NewWorkspaceService(projects, chats, messages)
	generationService := service.NewGenerationService(orchestrator, projects, chats)
	positions := service.NewPositionDebouncer(versions, cfg.Positions.Debounce)
	var snapshots client.SnapshotStore
	if r2Client != nil {
		snapshots = r2Client
	}
	architectureService := service.NewArchitectureService(versions, workspaceService, positions, snapshots)

	// Initialize handlers
	generationHandler := handler.NewGenerationHandler(generationService, validate)
	architectureHandler := handler.NewArchitectureHandler(architectureService, validate)
	workspaceHandler := handler.NewWorkspaceHandler(workspaceService, validate)
	webhookHandler := handler.NewWebhookHandler(generationService, validate, cfg.Webhook.Secret)
	socketHandler := handler.NewJobSocketHandler(generationService, hub)
	authHandler := handler.NewAuthHandler(verifiers)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(verifiers).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    5 * 1024 * 1024,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		sqlDB, err := db.DB()
		dbOK := err == nil && sqlDB.PingContext(c.Context()) == nil
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"generation": llmConfigured,
				"database":   dbOK,
				"redis":      redisClient.Ping(c.Context()).Err() == nil,
				"r2":         r2Client.IsConfigured(),
				"auth":       len(verifiers) > 0 || cfg.Gateway.Enabled,
				"webhooks":   cfg.Webhook.Secret != "",
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// Repository push events, authenticated by signature
	app.Post("/webhooks/github", webhookHandler.Push)

	api := app.Group("/api", apiAuthMiddleware)

	generate := api.Group("/generate")
	submitLimit := rateLimiter.GenerationLimit(cfg.RateLimit.GenerationPerHour)
	generate.Post("/forward", submitLimit, generationHandler.Forward)
	generate.Post("/reverse", submitLimit, generationHandler.Reverse)
	generate.Post("/incremental", submitLimit, generationHandler.Incremental)
	generate.Get("/status/:jobId", rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin), generationHandler.Status)

	api.Post("/projects", workspaceHandler.CreateProject)
	api.Get("/projects/:projectId", workspaceHandler.Project)
	api.Post("/chats", workspaceHandler.CreateChat)
	api.Get("/chats/:chatId", workspaceHandler.Chat)

	targets := api.Group("/targets/:targetId", rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin))
	targets.Get("/architecture", architectureHandler.Latest)
	targets.Get("/versions", architectureHandler.Versions)
	targets.Get("/messages", workspaceHandler.Messages)

	api.Get("/versions/:versionId", architectureHandler.Version)
	api.Put("/versions/:versionId/positions", architectureHandler.UpdatePositions)
	api.Get("/versions/:versionId/snapshot", architectureHandler.Snapshot)

	// WebSocket routes
	app.Get("/ws/jobs/:jobId", apiAuthMiddleware, socketHandler.Authorize, socketHandler.Serve())

	go startWorkerServer(cfg, redisOpt, orchestrator)
	go startScheduler(cfg, redisOpt)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	tree := repotree.DefaultOptions()
	if cfg.RepoTree.MaxDepth > 0 {
		tree.MaxDepth = cfg.RepoTree.MaxDepth
	}
	return pipeline.Config{
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		BaseBackoff:    cfg.Pipeline.BaseBackoff,
		MaxBackoff:     cfg.Pipeline.MaxBackoff,
		StepTimeout:    cfg.Pipeline.StepTimeout,
		Retention:      cfg.Pipeline.Retention,
		MaxInputTokens: cfg.Generation.MaxInputTokens,
		Tools: pipeline.ToolPolicy{
			MaxCalls: cfg.Generation.MaxToolCalls,
			Enabled:  cfg.Generation.EnabledTools,
			Fallback: cfg.Generation.FallbackTool,
		},
		Limits: admission.Limits{
			model.TierFree: {MaxFiles: cfg.Admission.FreeFiles, MaxLines: cfg.Admission.FreeLines},
			model.TierPro:  {MaxFiles: cfg.Admission.ProFiles, MaxLines: cfg.Admission.ProLines},
		},
		Tree: tree,
	}
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	}
	return asynq.InfoLevel
}

func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, orchestrator *pipeline.Orchestrator) {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Pipeline.Concurrency,
		Queues: map[string]int{
			pipeline.QueueGeneration: 1,
		},
		LogLevel: asynqLogLevel(cfg.Server.LogLevel),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(pipeline.TaskTypeGenerate, worker.NewGenerationWorker(orchestrator).ProcessTask)
	mux.HandleFunc(pipeline.TaskTypeReconcile, worker.NewReconcileWorker(orchestrator).ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func startScheduler(cfg *config.Config, redisOpt asynq.RedisClientOpt) {
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		LogLevel: asynqLogLevel(cfg.Server.LogLevel),
	})
	if _, err := scheduler.Register(cfg.Reconcile.Cron, pipeline.NewReconcileTask(),
		asynq.Queue(pipeline.QueueGeneration), asynq.Unique(time.Minute)); err != nil {
		log.Printf("Warning: reconcile task not scheduled: %v", err)
		return
	}
	if err := scheduler.Run(); err != nil {
		log.Printf("Asynq scheduler error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
