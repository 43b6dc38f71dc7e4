package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds shared runtime configuration for the control API and the autopilot worker.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	BackendURL     string
	BackendTimeout time.Duration

	PollInterval    time.Duration
	PollMaxAttempts int
	EventBuffer     int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	PostgresDSN string

	RateLimitCapacity int
	RateLimitRefill   float64
	MaxUploadBytes    int64
	CORSOrigins       []string

	ArtifactDir         string
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool

	VisibilityTimeout  time.Duration
	WorkerPollInterval time.Duration
	DLQName            string
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		BackendURL:     strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8000"), "/"),
		BackendTimeout: getEnvDuration("BACKEND_TIMEOUT", 10*time.Minute),

		PollInterval:    getEnvDuration("POLL_INTERVAL", 5*time.Second),
		PollMaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 60),
		EventBuffer:     getEnvInt("EVENT_BUFFER", 500),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		LockTTL:       getEnvDuration("LOCK_TTL", 30*time.Minute),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 30),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.5),
		MaxUploadBytes:    int64(getEnvInt("MAX_UPLOAD_MB", 2048)) * 1024 * 1024,
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"}),

		ArtifactDir:         getEnv("ARTIFACT_DIR", "./exports"),
		ArtifactS3Bucket:    getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactS3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
		ArtifactS3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),

		VisibilityTimeout:  getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 45*time.Minute),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		DLQName:            getEnv("DLQ_NAME", "autopilot:dlq"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
