package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.WorkerConcurrency)
	}
	if cfg.DefaultSceneSeconds != 3 {
		t.Fatalf("expected 3s default scene, got %v", cfg.DefaultSceneSeconds)
	}
	if cfg.RenderWidth != 1080 || cfg.RenderHeight != 1920 {
		t.Fatalf("unexpected default size %dx%d", cfg.RenderWidth, cfg.RenderHeight)
	}
	if cfg.PublishTarget != "local" {
		t.Fatalf("expected local publisher, got %q", cfg.PublishTarget)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "render.yaml")
	body := "WORKER_CONCURRENCY: 8\nrender_timeout: 90s\nS3_PATH_STYLE: true\nHTTP_PORT: \"9000\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "7000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Fatalf("expected file value 8, got %d", cfg.WorkerConcurrency)
	}
	if cfg.RenderTimeout != 90*time.Second {
		t.Fatalf("expected 90s render timeout, got %s", cfg.RenderTimeout)
	}
	if !cfg.S3PathStyle {
		t.Fatalf("expected path style from file")
	}
	if cfg.HTTPPort != "7000" {
		t.Fatalf("env should override file, got %q", cfg.HTTPPort)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
