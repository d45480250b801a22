package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	// dispatchChainLength is the longest fallback chain one claim may walk.
	dispatchChainLength = 3
	claimLeaseMargin    = 5 * time.Second
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	APIPort     int    `env:"API_PORT,default=8080"`
	WorkerPort  int    `env:"WORKER_PORT,default=9090"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	PublicBaseURL string `env:"PUBLIC_BASE_URL,default=http://localhost:3000"`

	MaxAttempts      int           `env:"MAX_ATTEMPTS,default=3"`
	SendTimeout      time.Duration `env:"SEND_TIMEOUT,default=10s"`
	ClaimLease       time.Duration `env:"CLAIM_LEASE,default=1m"`
	SweepBatchSize   int           `env:"SWEEP_BATCH_SIZE,default=10"`
	SweepConcurrency int           `env:"SWEEP_CONCURRENCY,default=4"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL,default=1m"`
	SurveyInterval   time.Duration `env:"SURVEY_INTERVAL,default=1h"`
	SurveyWindowFrom time.Duration `env:"SURVEY_WINDOW_FROM,default=24h"`
	SurveyWindowTo   time.Duration `env:"SURVEY_WINDOW_TO,default=23h"`
	SchedulerEnabled bool          `env:"SCHEDULER_ENABLED,default=false"`

	RateLimitPerHour int           `env:"RATE_LIMIT_PER_HOUR,default=10"`
	RateLimitEnabled bool          `env:"RATE_LIMIT_ENABLED,default=true"`
	RateLimitBackend string        `env:"RATE_LIMIT_BACKEND,default=redis"`
	RateLimitDefer   time.Duration `env:"RATE_LIMIT_DEFER,default=5m"`

	SMSAPIURL    string `env:"SMS_API_URL"`
	SMSAPIKey    string `env:"SMS_API_KEY"`
	SMSAPISecret string `env:"SMS_API_SECRET"`
	SMSSender    string `env:"SMS_SENDER"`

	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	EmailSender          string `env:"EMAIL_SENDER"`
	EmailReplyTo         string `env:"EMAIL_REPLY_TO"`

	ChatSenderKey string `env:"CHAT_SENDER_KEY"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("DATABASE_DSN must not be empty")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL must not be empty")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be > 0")
	}
	if minLease := dispatchChainLength*c.SendTimeout + claimLeaseMargin; c.ClaimLease < minLease {
		return fmt.Errorf("CLAIM_LEASE (%s) must be at least %s for SEND_TIMEOUT %s", c.ClaimLease, minLease, c.SendTimeout)
	}
	if c.SurveyWindowTo >= c.SurveyWindowFrom {
		return fmt.Errorf("SURVEY_WINDOW_TO (%s) must be shorter than SURVEY_WINDOW_FROM (%s)", c.SurveyWindowTo, c.SurveyWindowFrom)
	}
	switch c.RateLimitBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be redis or memory, got %q", c.RateLimitBackend)
	}
	return nil
}
