package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the render service and the render CLI.
type Config struct {
	Env         string
	HTTPPort    string
	LogLevel    string
	LogFormat   string
	ServiceName string

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	PostgresDSN string

	// QueueBackend is memory or redis.
	QueueBackend string
	QueueKey     string

	WorkerConcurrency int
	JobTimeout        time.Duration
	RenderTimeout     time.Duration
	ShutdownTimeout   time.Duration

	AssetFetchTimeout time.Duration
	AssetMaxBytes     int64
	AssetConcurrency  int
	MaxUploadBytes    int64

	DefaultSceneSeconds      float64
	FallbackNarrationSeconds float64

	WorkDir      string
	OutputDir    string
	KeepWorkDirs bool

	FFmpegPath  string
	FFprobePath string
	FontFile    string

	GeminiAPIKey   string
	GeminiModel    string
	GeminiEndpoint string
	TTSTimeout     time.Duration
	DefaultVoice   string

	RenderWidth      int
	RenderHeight     int
	RenderFPS        int
	RenderFontFamily string
	RenderFontSize   int

	// PublishTarget is one of local, s3 or minio.
	PublishTarget  string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3PathStyle    bool
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// Load reads configuration from the environment. When CONFIG_FILE names a YAML
// file its keys (same names as the environment variables) supply values that
// the environment can still override.
func Load() (Config, error) {
	l := loader{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		values, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		l.file = values
	}
	return l.load(), nil
}

type loader struct {
	file map[string]string
}

func (l loader) load() Config {
	return Config{
		Env:         l.getEnv("APP_ENV", "dev"),
		HTTPPort:    l.getEnv("HTTP_PORT", "8080"),
		LogLevel:    l.getEnv("LOG_LEVEL", "info"),
		LogFormat:   l.getEnv("LOG_FORMAT", "json"),
		ServiceName: l.getEnv("SERVICE_NAME", "scene-render"),

		RedisAddr:         l.getEnv("REDIS_ADDR", ""),
		RedisPassword:     l.getEnv("REDIS_PASSWORD", ""),
		RedisDB:           l.getEnvInt("REDIS_DB", 0),
		RateLimitCapacity: l.getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   l.getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 5),

		PostgresDSN: l.getEnv("POSTGRES_DSN", ""),

		QueueBackend: strings.ToLower(l.getEnv("QUEUE_BACKEND", "memory")),
		QueueKey:     l.getEnv("QUEUE_KEY", "render:queue:ready"),

		WorkerConcurrency: l.getEnvInt("WORKER_CONCURRENCY", 4),
		JobTimeout:        l.getEnvDuration("JOB_TIMEOUT", 15*time.Minute),
		RenderTimeout:     l.getEnvDuration("RENDER_TIMEOUT", 10*time.Minute),
		ShutdownTimeout:   l.getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		AssetFetchTimeout: l.getEnvDuration("ASSET_FETCH_TIMEOUT", 30*time.Second),
		AssetMaxBytes:     int64(l.getEnvInt("ASSET_MAX_BYTES", 25*1024*1024)),
		AssetConcurrency:  l.getEnvInt("ASSET_CONCURRENCY", 4),
		MaxUploadBytes:    int64(l.getEnvInt("MAX_UPLOAD_BYTES", 500*1024*1024)),

		DefaultSceneSeconds:      l.getEnvFloat("DEFAULT_SCENE_SECONDS", 3),
		FallbackNarrationSeconds: l.getEnvFloat("FALLBACK_NARRATION_SECONDS", 3),

		WorkDir:      l.getEnv("WORK_DIR", os.TempDir()+"/scene-render"),
		OutputDir:    l.getEnv("OUTPUT_DIR", "./output"),
		KeepWorkDirs: l.getEnvBool("KEEP_WORK_DIRS", false),

		FFmpegPath:  l.getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: l.getEnv("FFPROBE_PATH", "ffprobe"),
		FontFile:    l.getEnv("FONT_FILE", ""),

		GeminiAPIKey:   l.getEnv("GEMINI_API_KEY", ""),
		GeminiModel:    l.getEnv("GEMINI_TTS_MODEL", "gemini-2.5-flash-preview-tts"),
		GeminiEndpoint: l.getEnv("GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta"),
		TTSTimeout:     l.getEnvDuration("TTS_TIMEOUT", 60*time.Second),
		DefaultVoice:   l.getEnv("TTS_VOICE", "Zephyr"),

		RenderWidth:      l.getEnvInt("RENDER_WIDTH", 1080),
		RenderHeight:     l.getEnvInt("RENDER_HEIGHT", 1920),
		RenderFPS:        l.getEnvInt("RENDER_FPS", 30),
		RenderFontFamily: l.getEnv("RENDER_FONT_FAMILY", "Sarabun"),
		RenderFontSize:   l.getEnvInt("RENDER_FONT_SIZE", 60),

		PublishTarget:  strings.ToLower(l.getEnv("PUBLISH_TARGET", "local")),
		S3Bucket:       l.getEnv("S3_BUCKET", ""),
		S3Region:       l.getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     l.getEnv("S3_ENDPOINT", ""),
		S3PathStyle:    l.getEnvBool("S3_PATH_STYLE", false),
		MinioEndpoint:  l.getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: l.getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: l.getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    l.getEnv("MINIO_BUCKET", ""),
		MinioUseSSL:    l.getEnvBool("MINIO_USE_SSL", false),
	}
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func (l loader) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return l.file[key]
}

func (l loader) getEnv(key, def string) string {
	if v := l.lookup(key); v != "" {
		return v
	}
	return def
}

func (l loader) getEnvInt(key string, def int) int {
	if v := l.lookup(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (l loader) getEnvFloat(key string, def float64) float64 {
	if v := l.lookup(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (l loader) getEnvBool(key string, def bool) bool {
	if v := l.lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (l loader) getEnvDuration(key string, def time.Duration) time.Duration {
	if v := l.lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
