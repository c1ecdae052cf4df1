package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scene-render-service/internal/api"
	"scene-render-service/internal/app"
	"scene-render-service/internal/config"
	"scene-render-service/internal/media"
	"scene-render-service/internal/pkg/logger"
	"scene-render-service/internal/ratelimit"
	"scene-render-service/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).LogFatal("load config", err)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, ServiceName: cfg.ServiceName})
	telemetry.Register()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.LogFatal("build service", err)
	}
	defer svc.Close()

	var limiter api.Limiter
	if svc.Redis != nil {
		limiter = ratelimit.NewTokenBucket(svc.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	} else {
		log.Warn("REDIS_ADDR not set, rate limiting disabled")
	}

	ffmpeg := media.NewProber(cfg.FFmpegPath, nil)
	server := api.New(cfg, svc.Jobs, svc.Registry, svc.Processor, limiter, ffmpeg.Available, log)
	if svc.Audit != nil {
		server.WithHistory(svc.Audit)
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := svc.Processor.Run(ctx); err != nil {
			log.LogError(ctx, "worker pool stopped", err)
		}
	}()

	log.Info("api listening", "port", cfg.HTTPPort, "workers", cfg.WorkerConcurrency, "queue", cfg.QueueBackend, "publish", cfg.PublishTarget)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("listen", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.LogError(shutdownCtx, "http shutdown", err)
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		log.Warn("workers still running at shutdown deadline")
	}
}
