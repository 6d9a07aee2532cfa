package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// AWS SDK environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
// AWS_REGION, AWS_ENDPOINT_URL) are read directly by the SDK's default
// credential chain and do not appear in this struct.

type Config struct {
	UpstreamRegistry string
	ChangesFeedURL   string
	StorageBackend   string
	FSRoot           string
	ListenAddr       string
	MetricsAddr      string

	S3Bucket         string
	S3Prefix         string
	S3ForcePathStyle bool

	EventLogPath string
	CursorPath   string

	NConcurrent         int64
	NMax                int
	PollInterval        time.Duration
	BackoffCap          time.Duration
	UpstreamTimeout     time.Duration
	BackgroundRateLimit float64
	ShutdownGrace       time.Duration

	LogLevel slog.Level
}

func Load() Config {
	nConcurrent, _ := strconv.ParseInt(envOr("N_CONCURRENT", "5"), 10, 64)
	nMax, _ := strconv.Atoi(envOr("N_MAX", "200"))
	pollInterval, _ := time.ParseDuration(envOr("POLL_INTERVAL", "10s"))
	backoffCap, _ := time.ParseDuration(envOr("BACKOFF_CAP", "5m"))
	upstreamTimeout, _ := time.ParseDuration(envOr("UPSTREAM_TIMEOUT", "30s"))
	backgroundRate, _ := strconv.ParseFloat(envOr("BACKGROUND_RATE_LIMIT", "20"), 64)
	shutdownGrace, _ := time.ParseDuration(envOr("SHUTDOWN_GRACE", "5s"))

	return Config{
		UpstreamRegistry: envOr("UPSTREAM_REGISTRY", "registry.npmjs.org"),
		ChangesFeedURL:   envOr("CHANGES_FEED_URL", "https://replicate.npmjs.com/registry/_changes"),
		StorageBackend:   envOr("STORAGE_BACKEND", "fs"),
		FSRoot:           envOr("FS_ROOT", "/data/registry-metacache"),
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),

		S3Bucket:         envOr("S3_BUCKET", "registry-metacache"),
		S3Prefix:         os.Getenv("S3_PREFIX"),
		S3ForcePathStyle: envOr("S3_FORCE_PATH_STYLE", "true") == "true",

		EventLogPath: envOr("EVENT_LOG_PATH", "/data/registry-metacache/events.jsonl"),
		CursorPath:   envOr("CURSOR_PATH", "/data/registry-metacache/.sync-seq"),

		NConcurrent:         nConcurrent,
		NMax:                nMax,
		PollInterval:        pollInterval,
		BackoffCap:          backoffCap,
		UpstreamTimeout:     upstreamTimeout,
		BackgroundRateLimit: backgroundRate,
		ShutdownGrace:       shutdownGrace,

		LogLevel: parseLogLevel(envOr("LOG_LEVEL", "info")),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
