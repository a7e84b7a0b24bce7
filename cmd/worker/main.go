package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"media-pipeline/internal/app"
	"media-pipeline/internal/config"
	"media-pipeline/internal/consumer"
	"media-pipeline/internal/logging"
	"media-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	log := logging.New(cfg.Env).With().Str("worker_id", workerID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("lease", cfg.LeaseDuration).
		Dur("tick", cfg.WorkerTickInterval).
		Int("max_messages", cfg.PassMaxMessages).
		Dur("max_wall_clock", cfg.PassMaxWallClock).
		Msg("worker started")
	budget := consumer.Budget{MaxMessages: cfg.PassMaxMessages, MaxWallClock: cfg.PassMaxWallClock}
	if err := a.Consumer.Run(ctx, cfg.WorkerTickInterval, budget); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}
}
