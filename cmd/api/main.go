package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bobarin/cenaflow/internal/admission"
	"github.com/bobarin/cenaflow/internal/api"
	"github.com/bobarin/cenaflow/internal/assembler"
	"github.com/bobarin/cenaflow/internal/config"
	"github.com/bobarin/cenaflow/internal/db"
	"github.com/bobarin/cenaflow/internal/models"
	"github.com/bobarin/cenaflow/internal/orchestrator"
	"github.com/bobarin/cenaflow/internal/preview"
	"github.com/bobarin/cenaflow/internal/queue"
	"github.com/bobarin/cenaflow/internal/scenes"
	"github.com/bobarin/cenaflow/internal/services"
	"github.com/bobarin/cenaflow/internal/settings"
	"github.com/bobarin/cenaflow/internal/storage"
	"github.com/bobarin/cenaflow/internal/worker"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := config.NewLogger(cfg.AppEnv)
	logger.Info().Str("env", cfg.AppEnv).Msg("Starting Cenaflow API...")

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		logger.Fatal().Err(err).Msg("Failed to apply schema")
	}
	cancelMigrate()
	logger.Info().Msg("Connected to database")

	// Connect to Redis (job queue + render notifications)
	redisClient, err := queue.Connect(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()
	q := queue.New(redisClient)
	logger.Info().Msg("Connected to Redis queue")

	// Every scene write in this process goes through one updater
	updater := scenes.NewUpdater(database.Scenes(), logger)
	defer updater.Close()

	var (
		orch *orchestrator.Orchestrator
		asm  *assembler.Assembler
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})

	if cfg.WorkerEnabled {
		logger.Info().Msg("Worker enabled, starting background processing...")

		var w *worker.Worker
		orch, asm, w = buildWorker(workerCtx, cfg, database, q, redisClient, updater, logger)

		go func() {
			defer close(workerDone)
			if err := w.Start(workerCtx); err != nil {
				logger.Error().Err(err).Msg("Worker stopped")
			}
		}()
	} else {
		close(workerDone)
	}

	// Task cancellation and render state only exist where the worker runs
	var (
		tasks  api.TaskControl
		render api.RenderState
	)
	if orch != nil {
		tasks = orch
	}
	if asm != nil {
		render = asm
	}

	handler := api.NewHandler(database, updater, q, tasks, render, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		logger.Info().Msg("API key authentication enabled")
	} else {
		logger.Warn().Msg("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Running tasks see cancellation and still release their admission slots
	workerCancel()
	select {
	case <-workerDone:
	case <-ctx.Done():
		logger.Warn().Msg("Worker did not stop in time")
	}

	logger.Info().Msg("Server exited")
}

func buildWorker(ctx context.Context, cfg *config.Config, database *db.DB, q *queue.Queue, redisClient *redis.Client, updater *scenes.Updater, logger zerolog.Logger) (*orchestrator.Orchestrator, *assembler.Assembler, *worker.Worker) {
	src := settings.NewFileSource(cfg.RenderSettingsPath, logger)
	assets := services.NewAssetWriter(cfg.WorkspaceDir)

	ffmpegSvc, err := services.NewFFmpegService(filepath.Join(cfg.WorkspaceDir, "tmp"), cfg.AssemblyBatchSize, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize ffmpeg")
	}

	// Supabase is optional unless the video provider needs public URLs
	var stor *storage.Storage
	if cfg.StorageEnabled() {
		stor = storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logger)
		logger.Info().Str("bucket", cfg.SupabaseStorageBucket).Msg("Initialized Supabase storage")
	}

	imageSvc := services.NewGeminiImageService(cfg.GeminiKey, cfg.GeminiModel, assets, src, logger)

	tryOnSvc, err := services.NewTryOnService(ctx, cfg.GeminiKey, cfg.GeminiModel, assets, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize try-on client")
	}

	var videoSvc orchestrator.Generator
	switch cfg.VideoProvider {
	case "xai":
		videoSvc = services.NewXAIVideoService(cfg.XAIAPIKey, stor, assets, src, logger)
		logger.Info().Msg("Video provider: xAI Grok Imagine")
	default:
		veoSvc, err := services.NewVeoService(ctx, cfg.GeminiKey, cfg.VeoModel, assets, src, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize Veo client")
		}
		videoSvc = veoSvc
		logger.Info().Str("model", cfg.VeoModel).Msg("Video provider: Veo")
	}

	admissionClient := admission.NewClient(cfg.AdmissionURL, cfg.AdmissionTimeout, logger)

	policy := func(lane string) orchestrator.Policy {
		return orchestrator.Policy{
			Lane:         lane,
			PollInterval: cfg.AdmissionPollInterval,
			MaxPolls:     cfg.AdmissionMaxPolls,
			MaxAttempts:  cfg.GenerationMaxAttempts,
			RetryDelay:   cfg.GenerationRetryDelay,
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Admission: admissionClient,
		Scenes:    updater,
		Generators: map[models.TaskType]orchestrator.Generator{
			models.TaskGenerateImage: imageSvc,
			models.TaskChangeClothes: tryOnSvc,
			models.TaskGenerateVideo: videoSvc,
		},
		Thumbnailer: ffmpegSvc,
		Policies: map[models.TaskType]orchestrator.Policy{
			models.TaskGenerateImage: policy(cfg.LaneImage),
			models.TaskChangeClothes: policy(cfg.LaneClothes),
			models.TaskGenerateVideo: policy(cfg.LaneVideo),
		},
		Logger: logger,
	})

	cache := preview.NewCache(ffmpegSvc, updater, src, cfg.WorkspaceDir, cfg.PreviewConcurrency, logger)

	asmCfg := assembler.Config{
		Encoder:   ffmpegSvc,
		Previews:  cache,
		Scenes:    updater,
		Projects:  database,
		Settings:  src,
		Notifier:  assembler.NewRedisNotifier(redisClient),
		Lock:      q,
		OutputDir: filepath.Join(cfg.WorkspaceDir, "renders"),
		Logger:    logger,
	}
	if cfg.AutoSubtitles {
		transcriber := services.NewOpenAIService(cfg.OpenAIKey, cfg.SubtitleLanguage, logger)
		asmCfg.Subtitler = services.NewSubtitleService(transcriber, logger)
		logger.Info().Str("language", cfg.SubtitleLanguage).Msg("Automatic subtitles enabled")
	}
	if stor != nil {
		asmCfg.Publisher = stor
	}
	asm := assembler.New(asmCfg)

	w := worker.New(worker.Config{
		Jobs:          q,
		Tasks:         orch,
		Previews:      cache,
		Renderer:      asm,
		Projects:      database,
		Scenes:        updater,
		TaskConsumers: cfg.MaxConcurrentTasks,
		Logger:        logger,
	})

	return orch, asm, w
}
