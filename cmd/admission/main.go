package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/cenaflow/internal/admission"
	"github.com/bobarin/cenaflow/internal/config"
	"github.com/bobarin/cenaflow/internal/queue"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.LoadAdmission()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := config.NewLogger(cfg.AppEnv).With().Str("service", "admission").Logger()
	logger.Info().Str("backend", cfg.Backend).Msg("Starting admission coordinator...")

	caps := admission.Capacities{Default: cfg.DefaultCap, Lanes: cfg.LaneCapacities}

	var lanes admission.Lanes
	switch cfg.Backend {
	case "memory":
		lanes = admission.NewMemoryLanes(caps)
		logger.Warn().Msg("In-memory lanes: registrations are lost on restart")
	default:
		client, err := queue.Connect(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer client.Close()
		lanes = admission.NewRedisLanes(client, caps)
		logger.Info().Msg("Connected to Redis lanes")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go admission.RunReaper(ctx, lanes, cfg.ReapInterval, admission.ReapPolicy{
		StaleAfter: cfg.StaleAfter,
		HoldLimit:  cfg.HoldLimit,
	}, logger)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: admission.NewServer(lanes, logger).Router(),
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Admission server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down admission coordinator...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Admission coordinator exited")
}
