package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Storage    StorageConfig
	Queue      QueueConfig
	Scheduler  SchedulerConfig
	Publish    PublishConfig
	Conversion ConversionConfig
	Tracking   TrackingConfig
	Server     ServerConfig
	Messaging  MessagingConfig
	Log        LogConfig
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type        string // "file", "dynamodb", "mongodb", "postgresql", "redis"
	DataDir     string // For the file store
	Region      string // For AWS DynamoDB
	TableName   string
	Endpoint    string // Custom endpoint for local testing
	MongoDBURI  string
	MongoDB     string
	PostgresURI string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	KeyPrefix   string
}

// QueueConfig describes where artifacts waiting for publication live
type QueueConfig struct {
	Type            string // "dir" or "s3"
	Dir             string
	ProcessedDir    string
	Extension       string
	FallbackCover   string
	S3Bucket        string
	S3Prefix        string
	S3ProcessedPref string
	S3Region        string
	S3Endpoint      string
}

// SchedulerConfig holds the publishing loop bounds. All intervals are
// clamped by the optimizer to [MinInterval, MaxInterval]; the loop never
// sleeps less than FloorInterval.
type SchedulerConfig struct {
	MinInterval     time.Duration
	MaxInterval     time.Duration
	FloorInterval   time.Duration
	DefaultInterval time.Duration
	SlowdownStep    time.Duration
	SpeedupStep     time.Duration
	PausedBackoff   time.Duration
	ResumeCooldown  time.Duration // minimum gap between a challenge and the next attempt
	PostThreshold   int
}

// PublishConfig configures the platform publish bridge
type PublishConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// ConversionConfig configures the sales feed used as conversion signal
type ConversionConfig struct {
	APIEndpoint string
	AccessToken string
	Window      time.Duration
	Timeout     time.Duration
	RetryCount  int
}

// TrackingConfig configures the click attribution service
type TrackingConfig struct {
	RedirectDomain  string
	DownloadBaseURL string
	CatalogTTL      time.Duration
}

// ServerConfig holds HTTP server configuration. The public listener on
// Port only serves redirects and read-only stats; operator routes live on
// AdminAddr, which defaults to loopback.
type ServerConfig struct {
	Port            int
	AdminAddr       string
	AdminToken      string
	RateLimitOn     bool
	RateLimit       int
	RateLimitWindow time.Duration
}

// MessagingConfig holds optional RabbitMQ settings. Empty URL disables events.
type MessagingConfig struct {
	RabbitURL      string
	RabbitExchange string
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Storage: StorageConfig{
			Type:        getEnv("STORAGE_TYPE", "file"),
			DataDir:     getEnv("DATA_DIR", "logs"),
			Region:      getEnv("AWS_REGION", "us-west-2"),
			TableName:   getEnv("TABLE_NAME", "reel_publisher_state"),
			Endpoint:    getEnv("DYNAMODB_ENDPOINT", ""), // For local DynamoDB
			MongoDBURI:  getEnv("MONGODB_URI", ""),
			MongoDB:     getEnv("MONGODB_DATABASE", "reel_publisher"),
			PostgresURI: getEnv("POSTGRES_URI", ""),
			RedisAddr:   getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			RedisPass:   getEnv("REDIS_PASSWORD", ""),
			RedisDB:     getEnvInt("REDIS_DB", 0),
			KeyPrefix:   getEnv("STORAGE_KEY_PREFIX", "reelpub:"),
		},
		Queue: QueueConfig{
			Type:            getEnv("QUEUE_TYPE", "dir"),
			Dir:             getEnv("QUEUE_DIR", "queue"),
			ProcessedDir:    getEnv("PROCESSED_DIR", "logs/processed"),
			Extension:       getEnv("QUEUE_EXTENSION", ".mp4"),
			FallbackCover:   getEnv("FALLBACK_COVER", "upload/image.png"),
			S3Bucket:        getEnv("S3_QUEUE_BUCKET", ""),
			S3Prefix:        getEnv("S3_QUEUE_PREFIX", "queue/"),
			S3ProcessedPref: getEnv("S3_PROCESSED_PREFIX", "processed/"),
			S3Region:        getEnv("S3_REGION", getEnv("AWS_REGION", "us-west-2")),
			S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		},
		Scheduler: SchedulerConfig{
			MinInterval:     getEnvDuration("MIN_INTERVAL", 2*time.Hour),
			MaxInterval:     getEnvDuration("MAX_INTERVAL", 12*time.Hour),
			FloorInterval:   getEnvDuration("FLOOR_INTERVAL", 4*time.Hour),
			DefaultInterval: getEnvDuration("DEFAULT_INTERVAL", 4*time.Hour),
			SlowdownStep:    getEnvDuration("SLOWDOWN_STEP", time.Hour),
			SpeedupStep:     getEnvDuration("SPEEDUP_STEP", 30*time.Minute),
			PausedBackoff:   getEnvDuration("PAUSED_BACKOFF", 24*time.Hour),
			ResumeCooldown:  getEnvDuration("RESUME_COOLDOWN", 15*time.Minute),
			PostThreshold:   getEnvInt("LOW_ROI_POST_THRESHOLD", 3),
		},
		Publish: PublishConfig{
			Endpoint: getEnv("PUBLISH_ENDPOINT", "http://localhost:9100/publish"),
			Timeout:  getEnvDuration("PUBLISH_TIMEOUT", 5*time.Minute),
		},
		Conversion: ConversionConfig{
			APIEndpoint: getEnv("GUMROAD_API", "https://api.gumroad.com/v2"),
			AccessToken: getEnv("GUMROAD_TOKEN", ""),
			Window:      getEnvDuration("CONVERSION_WINDOW", 7*24*time.Hour),
			Timeout:     getEnvDuration("API_TIMEOUT", 30*time.Second),
			RetryCount:  getEnvInt("RETRY_COUNT", 3),
		},
		Tracking: TrackingConfig{
			RedirectDomain:  getEnv("REDIRECT_DOMAIN", "http://localhost:3000"),
			DownloadBaseURL: getEnv("DOWNLOAD_BASE_URL", "https://yourdomain.com/download"),
			CatalogTTL:      getEnvDuration("CATALOG_TTL", 5*time.Minute),
		},
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", getEnvInt("REDIRECT_PORT", 3000)),
			AdminAddr:       getEnv("ADMIN_ADDR", "127.0.0.1:3001"),
			AdminToken:      getEnv("ADMIN_TOKEN", ""),
			RateLimitOn:     getEnvBool("RATE_LIMIT_ENABLED", true),
			RateLimit:       getEnvInt("RATE_LIMIT_REQUESTS", 60),
			RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Messaging: MessagingConfig{
			RabbitURL:      getEnv("RABBIT_URL", ""),
			RabbitExchange: getEnv("RABBIT_EXCHANGE", "reel.events"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the relationships between settings that the rest of the
// program relies on.
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.MinInterval <= 0 || s.MaxInterval <= 0 || s.FloorInterval <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if s.MinInterval > s.MaxInterval {
		return fmt.Errorf("MIN_INTERVAL (%s) exceeds MAX_INTERVAL (%s)", s.MinInterval, s.MaxInterval)
	}
	if s.FloorInterval < s.MinInterval {
		return fmt.Errorf("FLOOR_INTERVAL (%s) must be at least MIN_INTERVAL (%s)", s.FloorInterval, s.MinInterval)
	}
	if s.ResumeCooldown < 0 {
		return fmt.Errorf("RESUME_COOLDOWN must not be negative")
	}

	switch c.Storage.Type {
	case "file", "dynamodb", "mongodb", "postgresql", "redis":
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	switch c.Queue.Type {
	case "dir":
	case "s3":
		if c.Queue.S3Bucket == "" {
			return fmt.Errorf("missing S3_QUEUE_BUCKET (required when QUEUE_TYPE=s3)")
		}
	default:
		return fmt.Errorf("unsupported queue type: %s", c.Queue.Type)
	}

	u, err := url.Parse(c.Tracking.RedirectDomain)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("REDIRECT_DOMAIN must be an absolute URL, got %q", c.Tracking.RedirectDomain)
	}
	if c.Server.AdminToken == "" && !isLoopback(c.Server.AdminAddr) {
		return fmt.Errorf("ADMIN_TOKEN is required when ADMIN_ADDR (%q) is not a loopback address", c.Server.AdminAddr)
	}
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
