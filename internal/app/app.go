// Package app assembles the render service from configuration. Both the HTTP
// server and the render CLI build their object graph here.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"scene-render-service/internal/artifacts"
	"scene-render-service/internal/assets"
	"scene-render-service/internal/compositor"
	"scene-render-service/internal/config"
	"scene-render-service/internal/media"
	"scene-render-service/internal/models"
	"scene-render-service/internal/narration"
	"scene-render-service/internal/pipeline"
	"scene-render-service/internal/pkg/logger"
	"scene-render-service/internal/queue"
	"scene-render-service/internal/store"
	"scene-render-service/internal/worker"
)

// App is the wired service.
type App struct {
	Jobs      *store.JobStore
	Registry  *artifacts.Registry
	Processor *worker.Processor
	Prober    *media.Prober
	// Redis is nil unless REDIS_ADDR is set.
	Redis *redis.Client
	// Audit is nil unless POSTGRES_DSN is set.
	Audit *store.PostgresAudit

	closers []func()
}

// Build connects the optional backends and registers every job handler.
func Build(ctx context.Context, cfg config.Config, log *logger.Logger) (*App, error) {
	a := &App{}

	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	}

	var audit store.AuditSink
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresAudit(ctx, cfg.PostgresDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		audit = pg
		a.Audit = pg
	}

	var q queue.Queue
	switch cfg.QueueBackend {
	case "", "memory":
		q = queue.NewMemoryQueue()
	case "redis":
		if a.Redis == nil {
			a.Close()
			return nil, fmt.Errorf("QUEUE_BACKEND=redis requires REDIS_ADDR")
		}
		q = queue.NewRedisQueue(a.Redis, cfg.QueueKey)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	pub, err := artifacts.NewPublisher(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Jobs = store.NewJobStore(audit)
	a.Registry = artifacts.NewRegistry()
	a.Processor = worker.NewProcessor(a.Jobs, q, a.Registry, pub, log, worker.Options{
		Concurrency:  cfg.WorkerConcurrency,
		JobTimeout:   cfg.JobTimeout,
		WorkDir:      cfg.WorkDir,
		KeepWorkDirs: cfg.KeepWorkDirs,
	})

	a.Prober = media.NewProber(cfg.FFprobePath, nil)
	gemini := narration.NewGeminiClient(narration.GeminiConfig{
		APIKey:   cfg.GeminiAPIKey,
		Model:    cfg.GeminiModel,
		Endpoint: cfg.GeminiEndpoint,
		Voice:    cfg.DefaultVoice,
		Timeout:  cfg.TTSTimeout,
	})

	pipeline.New(pipeline.Deps{
		Resolver:   assets.NewResolver(cfg.AssetFetchTimeout, cfg.AssetMaxBytes),
		Narrator:   narration.NewNarrator(gemini, a.Prober.Duration, cfg.FallbackNarrationSeconds),
		Compositor: compositor.New(compositor.NewFFmpegRenderer(cfg.FFmpegPath, nil, cfg.RenderTimeout), cfg.FontFile, log),
		Converter:  media.NewConverter(cfg.FFmpegPath, nil, a.Prober),
		Probe:      a.Prober.Duration,
		Defaults: models.RenderOptions{
			Width:         cfg.RenderWidth,
			Height:        cfg.RenderHeight,
			FPS:           cfg.RenderFPS,
			ShowSubtitles: true,
			FontFamily:    cfg.RenderFontFamily,
			FontSize:      cfg.RenderFontSize,
		},
		SceneSeconds:     cfg.DefaultSceneSeconds,
		FallbackSeconds:  cfg.FallbackNarrationSeconds,
		AssetConcurrency: cfg.AssetConcurrency,
		Voice:            cfg.DefaultVoice,
		OutputDir:        cfg.OutputDir,
		Log:              log,
	}).Register(a.Processor)

	return a, nil
}

// Close releases backend connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
