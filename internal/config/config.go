package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const envPrefix = "POLARIS_"

type Config struct {
	Env         string `env:"ENV" envDefault:"production"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL string `env:"DATABASE_URL"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":2112"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`
	NodeID      int64  `env:"NODE_ID" envDefault:"1"`
	WorkerID    string `env:"WORKER_ID"`

	NotifyTransport     string `env:"NOTIFY_TRANSPORT" envDefault:"noop"`
	NotifySubjectPrefix string `env:"NOTIFY_SUBJECT_PREFIX" envDefault:"polaris"`
	NATSURL             string `env:"NATS_URL"`
	RedisAddr           string `env:"REDIS_ADDR"`
	RedisPassword       string `env:"REDIS_PASSWORD"`

	AuthEnabled        bool   `env:"AUTH_ENABLED" envDefault:"false"`
	JWTSecret          string `env:"JWT_SECRET"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"600"`

	DefaultMaxRetries int           `env:"DEFAULT_MAX_RETRIES" envDefault:"3"`
	RetryBackoff      time.Duration `env:"RETRY_BACKOFF" envDefault:"1s"`
	RetryBackoffMax   time.Duration `env:"RETRY_BACKOFF_MAX" envDefault:"5m"`

	LockPollInterval    time.Duration `env:"LOCK_POLL_INTERVAL" envDefault:"100ms"`
	LockHeartbeatPeriod time.Duration `env:"LOCK_HEARTBEAT_PERIOD" envDefault:"10s"`
	LockSessionTTL      time.Duration `env:"LOCK_SESSION_TTL" envDefault:"60s"`
	LockMaxHold         time.Duration `env:"LOCK_MAX_HOLD" envDefault:"1h"`
	LockSweepInterval   time.Duration `env:"LOCK_SWEEP_INTERVAL" envDefault:"30s"`
	LongHeldThreshold   time.Duration `env:"LONG_HELD_THRESHOLD" envDefault:"5m"`

	SubscriberIdleTimeout time.Duration `env:"SUBSCRIBER_IDLE_TIMEOUT" envDefault:"24h"`
	SchedulerTick         time.Duration `env:"SCHEDULER_TICK" envDefault:"1s"`

	WorkerBatchSize    int           `env:"WORKER_BATCH_SIZE" envDefault:"10"`
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	// ClaimTimeout is how long a message may stay processing, with nobody
	// holding its task lock, before it is recovered.
	ClaimTimeout time.Duration `env:"CLAIM_TIMEOUT" envDefault:"5m"`

	S3Bucket   string `env:"S3_BUCKET"`
	S3Region   string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint string `env:"S3_ENDPOINT"`
	S3Prefix   string `env:"S3_PREFIX" envDefault:"dead-letters"`

	BootstrapFile string `env:"BOOTSTRAP_FILE"`
}

// Load reads an optional .env file, then POLARIS_* environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%sDATABASE_URL is required", envPrefix)
	}
	if c.AuthEnabled && c.JWTSecret == "" {
		return fmt.Errorf("%sJWT_SECRET is required when auth is enabled", envPrefix)
	}
	switch strings.ToLower(c.NotifyTransport) {
	case "", "noop":
	case "nats":
		if c.NATSURL == "" {
			return fmt.Errorf("%sNATS_URL is required for the nats transport", envPrefix)
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("%sREDIS_ADDR is required for the redis transport", envPrefix)
		}
	default:
		return fmt.Errorf("unknown notify transport %q", c.NotifyTransport)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("%sNODE_ID must be within [0, 1023], got %d", envPrefix, c.NodeID)
	}
	if c.WorkerBatchSize <= 0 {
		return fmt.Errorf("%sWORKER_BATCH_SIZE must be positive", envPrefix)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("%sWORKER_CONCURRENCY must be positive", envPrefix)
	}
	if c.ClaimTimeout <= 0 {
		return fmt.Errorf("%sCLAIM_TIMEOUT must be positive", envPrefix)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("%sDEFAULT_MAX_RETRIES must not be negative", envPrefix)
	}
	if c.LockPollInterval <= 0 || c.LockHeartbeatPeriod <= 0 || c.LockSweepInterval <= 0 || c.SchedulerTick <= 0 {
		return errors.New("lock and scheduler intervals must be positive")
	}
	if c.LockSessionTTL <= c.LockHeartbeatPeriod {
		return fmt.Errorf("%sLOCK_SESSION_TTL (%s) must exceed the heartbeat period (%s)", envPrefix, c.LockSessionTTL, c.LockHeartbeatPeriod)
	}
	return nil
}

func (c *Config) Development() bool {
	return strings.EqualFold(c.Env, "development")
}
