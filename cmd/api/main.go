package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/config"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/database"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/handler"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/middleware"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/models"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/repository"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/router"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/service"
	"github.com/decagondev/section-ai-test-mark-mvp/pkg/ai"
	"github.com/decagondev/section-ai-test-mark-mvp/pkg/sandbox"
	"github.com/decagondev/section-ai-test-mark-mvp/pkg/workspace"
)

const progressChannelBase = "mark:grading"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.Submission{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.AppName))
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	runner, err := sandbox.NewDockerRunner(sandbox.Config{
		Host:          cfg.DockerHost,
		MemoryLimitMB: int64(cfg.SandboxMemoryMB),
		CPUShares:     int64(cfg.SandboxCPU),
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("failed to create sandbox runner: %v", err)
	}

	workspaces := workspace.NewManager(runner, workspace.Config{
		Root:           cfg.WorkspaceRoot,
		CloneTimeout:   cfg.CloneTimeout,
		InstallTimeout: cfg.InstallTimeout,
		TestTimeout:    cfg.TestTimeout,
	}, logger)

	var reviewer ai.Reviewer
	if cfg.OpenAIAPIKey != "" {
		openaiReviewer, err := ai.NewOpenAIReviewer(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.ReviewModel,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf("failed to create reviewer: %v", err)
		}
		reviewer = openaiReviewer
	} else {
		logger.Warn().Msg("no OpenAI API key configured, grading runs without quality review")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	submissionRepo := repository.NewSubmissionRepository(db)

	publisher := service.NewProgressPublisher(redisClient, natsConn, progressChannelBase, logger)
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	publisher.Start(runCtx)

	pipeline := service.NewPipeline(submissionRepo, workspaces, reviewer, publisher, logger)
	scheduler := service.NewScheduler(cfg.GradingWorkers, logger)
	gradingService := service.NewGradingService(submissionRepo, pipeline, scheduler, validate, logger)

	gradingHandler := handler.NewGradingHandler(gradingService, publisher, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		GradingHandler: gradingHandler,
		JWTMiddleware:  middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
