package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/veranemoloko/download-orchestrator/internal/retry"
)

// Config holds all application configuration settings.
type Config struct {
	Environment string `envconfig:"ENV" default:"development"`

	HTTPPort    int           `envconfig:"HTTP_PORT" default:"8080" validate:"min=1,max=65535"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"15s" validate:"gt=0"`

	MaxConcurrency int           `envconfig:"MAX_CONCURRENCY" default:"3" validate:"min=1,max=64"`
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"100ms" validate:"gt=0"`

	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"3" validate:"min=0,max=100"`
	RetryBaseDelay    time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s" validate:"min=0"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1m" validate:"gtefield=RetryBaseDelay"`
	RetryJitter       float64       `envconfig:"RETRY_JITTER" default:"0.25" validate:"min=0,max=1"`
	ChecksumPolicy    string        `envconfig:"CHECKSUM_POLICY" default:"fail" validate:"oneof=fail redownload"`
	QuarantineCorrupt bool          `envconfig:"QUARANTINE_CORRUPT" default:"true"`

	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"./downloads" validate:"required"`
	StateFile   string `envconfig:"STATE_FILE" default:"./state/tasks.json" validate:"required"`

	ResponseTimeout   time.Duration `envconfig:"RESPONSE_TIMEOUT" default:"30s" validate:"gt=0"`
	BandwidthLimit    int64         `envconfig:"BANDWIDTH_LIMIT" default:"0" validate:"min=0"`
	RequestInterval   time.Duration `envconfig:"REQUEST_INTERVAL" default:"0s" validate:"min=0"`
	RejectHTML        bool          `envconfig:"REJECT_HTML" default:"true"`
	UserAgent         string        `envconfig:"USER_AGENT" default:"download-orchestrator/1.0"`
	AllowPrivateHosts bool          `envconfig:"ALLOW_PRIVATE_HOSTS" default:"false"`
	EventBuffer       int           `envconfig:"EVENT_BUFFER" default:"64" validate:"min=1"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s" validate:"gt=0"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json text"`
}

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.PollInterval > c.HTTPTimeout {
		return fmt.Errorf("poll interval %s must not exceed HTTP timeout %s", c.PollInterval, c.HTTPTimeout)
	}
	if c.DownloadDir == c.StateFile {
		return fmt.Errorf("state file cannot be the download directory")
	}

	return nil
}

// Retry returns the retry tuning derived from the configuration.
func (c *Config) Retry() retry.Config {
	return retry.Config{
		MaxRetries:     c.MaxRetries,
		BaseDelay:      c.RetryBaseDelay,
		MaxDelay:       c.RetryMaxDelay,
		JitterFraction: c.RetryJitter,
		ChecksumPolicy: retry.ChecksumPolicy(c.ChecksumPolicy),
	}
}
