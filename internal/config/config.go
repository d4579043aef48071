package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	PublicBaseURL      string // Customer-facing origin used to build download links

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"

	// Database
	DatabaseDriver string // "postgres", "pgx" or "sqlite"
	DatabaseURL    string

	// Redis
	RedisURL string

	// Notifications
	Notifier     string // "redis", "kafka" or "log"
	EventsList   string
	KafkaBrokers []string
	KafkaTopic   string

	// Storage
	StorageBackend string // "supabase" or "s3"

	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	S3Bucket   string
	S3Region   string
	S3Endpoint string // optional, for MinIO and other S3-compatible stores

	// Rendering
	TemplateCatalog string // optional YAML file replacing the built-in templates
	WorkDir         string
	LibraryAudioDir string
	FontDir         string
	FFmpegPath      string
	FFprobePath     string

	// Worker
	MaxConcurrentJobs int
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	VisibilityTimeout time.Duration
	StaleWorkAreaAge  time.Duration

	// Delivery
	TokenTTL     time.Duration
	SignedURLTTL time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		PublicBaseURL:         strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		DatabaseDriver:        getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		Notifier:              getEnv("NOTIFIER", "redis"),
		EventsList:            getEnv("EVENTS_LIST", "events:render"),
		KafkaBrokers:          getEnvList("KAFKA_BROKERS"),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "render-events"),
		StorageBackend:        getEnv("STORAGE_BACKEND", "supabase"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "memorial-media"),
		S3Bucket:              getEnv("S3_BUCKET", ""),
		S3Region:              getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		TemplateCatalog:       getEnv("TEMPLATE_CATALOG", ""),
		WorkDir:               getEnv("WORK_DIR", os.TempDir()+"/memorial-renders"),
		LibraryAudioDir:       getEnv("LIBRARY_AUDIO_DIR", "assets/music"),
		FontDir:               getEnv("FONT_DIR", "/usr/share/fonts/truetype/dejavu"),
		FFmpegPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           getEnv("FFPROBE_PATH", "ffprobe"),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 2),
		MaxAttempts:           getEnvInt("MAX_ATTEMPTS", 3),
		RetryBaseDelay:        getEnvDuration("RETRY_BASE_DELAY", 5*time.Second),
		RetryMaxDelay:         getEnvDuration("RETRY_MAX_DELAY", 5*time.Minute),
		VisibilityTimeout:     getEnvDuration("VISIBILITY_TIMEOUT", 30*time.Minute),
		StaleWorkAreaAge:      getEnvDuration("STALE_WORK_AREA_AGE", 6*time.Hour),
		TokenTTL:              getEnvDuration("TOKEN_TTL", 7*24*time.Hour),
		SignedURLTTL:          getEnvDuration("SIGNED_URL_TTL", time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.DatabaseDriver {
	case "postgres", "pgx", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres, pgx or sqlite, got %q", c.DatabaseDriver)
	}

	switch c.Notifier {
	case "redis", "log":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when NOTIFIER=kafka")
		}
	default:
		return fmt.Errorf("NOTIFIER must be redis, kafka or log, got %q", c.Notifier)
	}

	switch c.StorageBackend {
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be supabase or s3, got %q", c.StorageBackend)
	}

	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
