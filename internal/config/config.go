// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all worker configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	// Store endpoints. STORE_URL is the relational DSN shared with the
	// enqueuer; STORE_KEY is the blob service credential (path to a service
	// account JSON file, or the JSON itself).
	StoreURL            string `env:"STORE_URL"`
	StoreKey            string `env:"STORE_KEY"`
	BlobBucket          string `env:"BLOB_BUCKET"`
	BlobPublicBaseURL   string `env:"BLOB_PUBLIC_BASE_URL"`
	SignedURLTTLSeconds int    `env:"SIGNED_URL_TTL_SECONDS" envDefault:"604800"`
	// Worker identity and polling.
	WorkerID          string `env:"WORKER_ID"`
	PollBusyMS        int    `env:"POLL_BUSY_MS" envDefault:"2000"`
	PollIdleMS        int    `env:"POLL_IDLE_MS" envDefault:"5000"`
	ShutdownTimeoutMS int    `env:"SHUTDOWN_TIMEOUT_MS" envDefault:"30000"`
	// Render pool.
	MaxRenders          int      `env:"MAX_RENDERS" envDefault:"3"`
	JobTimeoutSeconds   int      `env:"JOB_TIMEOUT_SECONDS" envDefault:"60"`
	EnableCanary        bool     `env:"ENABLE_CANARY" envDefault:"true"`
	BrowserExecutable   string   `env:"BROWSER_EXECUTABLE"`
	RenderAllowlistFile string   `env:"RENDER_ALLOWLIST_FILE"`
	RenderAllowedHosts  []string `env:"RENDER_ALLOWED_HOSTS" envSeparator:","`
	// HTTP listeners.
	HealthPort  int `env:"HEALTH_PORT" envDefault:"3000"`
	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`
	// Store transport retry wrapper.
	DBMaxRetries   int  `env:"DB_MAX_RETRIES" envDefault:"3"`
	DBRetryDelayMS int  `env:"DB_RETRY_DELAY_MS" envDefault:"1000"`
	AutoMigrate    bool `env:"AUTO_MIGRATE" envDefault:"true"`
	// Periodic sweeps.
	StaleSweepIntervalMS     int `env:"STALE_SWEEP_INTERVAL_MS" envDefault:"300000"`
	RetentionSweepIntervalMS int `env:"RETENTION_SWEEP_INTERVAL_MS" envDefault:"86400000"`
	RetentionDays            int `env:"RETENTION_DAYS" envDefault:"30"`
	// Extraction job family. Enabled when a Tika endpoint is configured.
	TikaURL              string `env:"TIKA_URL"`
	ClaimExtractionFirst bool   `env:"CLAIM_EXTRACTION_FIRST" envDefault:"true"`
	// Notification events. The Noop notifier is used when no brokers are set.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	NotifyTopic  string   `env:"NOTIFY_TOPIC" envDefault:"export-notifications"`
	// Owner quota gate. Falls back to store counts only when Redis is unset.
	RedisURL         string `env:"REDIS_URL"`
	OwnerHourlyLimit int    `env:"OWNER_HOURLY_LIMIT" envDefault:"20"`
	OwnerActiveLimit int    `env:"OWNER_ACTIVE_LIMIT" envDefault:"3"`
	// Enqueuer-side validation limits, carried here for the collaborator.
	MaxExportHTMLSize   int64 `env:"MAX_EXPORT_HTML_SIZE" envDefault:"5242880"`
	MaxExportImageCount int   `env:"MAX_EXPORT_IMAGE_COUNT" envDefault:"100"`
	// Tracing.
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"menu-export-worker"`
}

// Load parses environment variables into a Config, computes derived
// defaults, and verifies required keys. A failure here is fatal to startup.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	if c.StoreURL == "" {
		missing = append(missing, "STORE_URL")
	}
	if c.StoreKey == "" {
		missing = append(missing, "STORE_KEY")
	}
	if c.BlobBucket == "" {
		missing = append(missing, "BLOB_BUCKET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment: %s", strings.Join(missing, ", "))
	}
	if c.MaxRenders < 1 {
		return fmt.Errorf("MAX_RENDERS must be >= 1, got %d", c.MaxRenders)
	}
	return nil
}

// IsDev reports whether the worker is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the worker is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the worker is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// ExtractionEnabled reports whether the extraction job family is active.
func (c Config) ExtractionEnabled() bool { return c.TikaURL != "" }

// NotifierEnabled reports whether Kafka notification publishing is active.
func (c Config) NotifierEnabled() bool { return len(c.KafkaBrokers) > 0 }

// QuotaRedisEnabled reports whether the quota gate runs its Redis bucket.
func (c Config) QuotaRedisEnabled() bool { return c.RedisURL != "" }

// Duration views over the millisecond and second keys.

func (c Config) PollBusy() time.Duration { return time.Duration(c.PollBusyMS) * time.Millisecond }
func (c Config) PollIdle() time.Duration { return time.Duration(c.PollIdleMS) * time.Millisecond }
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}
func (c Config) JobTimeout() time.Duration { return time.Duration(c.JobTimeoutSeconds) * time.Second }
func (c Config) DBRetryDelay() time.Duration {
	return time.Duration(c.DBRetryDelayMS) * time.Millisecond
}
func (c Config) SignedURLTTL() time.Duration { return time.Duration(c.SignedURLTTLSeconds) * time.Second }
func (c Config) StaleSweepInterval() time.Duration {
	return time.Duration(c.StaleSweepIntervalMS) * time.Millisecond
}
func (c Config) RetentionSweepInterval() time.Duration {
	return time.Duration(c.RetentionSweepIntervalMS) * time.Millisecond
}
