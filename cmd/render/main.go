// Command render runs one manifest or product CSV through the render pipeline
// without starting the HTTP server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"scene-render-service/internal/app"
	"scene-render-service/internal/config"
	"scene-render-service/internal/models"
	"scene-render-service/internal/pkg/logger"
)

func main() {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "Manifest file (.json, .yaml or .yml)")
	csvPath := fs.String("csv", "", "Product CSV file (alternative to -manifest)")
	outDir := fs.String("out", "", "Output directory (default: OUTPUT_DIR)")
	voice := fs.String("voice", "", "Narration voice for CSV products")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).LogFatal("load config", err)
	}
	if *outDir != "" {
		cfg.OutputDir = *outDir
	}
	// One-shot runs never share a queue with a server.
	cfg.QueueBackend = "memory"
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: "text", Output: os.Stderr, ServiceName: "render-cli"})

	if (*manifestPath == "") == (*csvPath == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -manifest or -csv is required")
		fs.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.LogFatal("build service", err)
	}
	defer svc.Close()

	var job models.Job
	switch {
	case *manifestPath != "":
		m, err := readManifest(*manifestPath)
		if err != nil {
			log.LogFatal("read manifest", err, "path", *manifestPath)
		}
		job, err = svc.Processor.RunSync(ctx, models.KindManifestRender, m.Title, m)
		if err != nil {
			log.LogFatal("manifest rejected", err)
		}
	default:
		// The pipeline removes the CSV once parsed, so hand it a copy.
		tmp, err := copyToTemp(*csvPath)
		if err != nil {
			log.LogFatal("stage csv", err, "path", *csvPath)
		}
		payload := models.CSVPayload{CSVPath: tmp, Options: models.ProductOptions{Voice: *voice}}
		job, err = svc.Processor.RunSync(ctx, models.KindCSVProductItem, filepath.Base(*csvPath), payload)
		if err != nil {
			_ = os.Remove(tmp)
			log.LogFatal("csv rejected", err)
		}
	}

	arts, _ := svc.Registry.ForJob(job.ID)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{"job": job, "artifacts": arts})
	if job.Status != models.StatusCompleted {
		os.Exit(1)
	}
}

func readManifest(path string) (models.Manifest, error) {
	var m models.Manifest
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &m)
	default:
		err = json.Unmarshal(raw, &m)
	}
	if err != nil {
		return m, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

func copyToTemp(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "render-*.csv")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), f.Close()
}
