// Package config loads and validates the tern daemon configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML string parsing ("10s", "1m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

type Config struct {
	Storage   StorageConfig   `toml:"storage"`
	HTTP      HTTPConfig      `toml:"http"`
	Aggregate AggregateConfig `toml:"aggregate"`
	Cleanup   CleanupConfig   `toml:"cleanup"`
	Notify    NotifyConfig    `toml:"notify"`
}

type StorageConfig struct {
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days"`
}

type HTTPConfig struct {
	Listen string `toml:"listen"`
}

// AggregateConfig controls the per-minute rollup job.
type AggregateConfig struct {
	Period       Duration `toml:"period"`
	RetryBackoff Duration `toml:"retry_backoff"`
	MaxRetries   int      `toml:"max_retries"`
}

// CleanupConfig controls the raw-observation retention job.
type CleanupConfig struct {
	Period       Duration `toml:"period"`
	RetryBackoff Duration `toml:"retry_backoff"`
	MaxRetries   int      `toml:"max_retries"`
}

type NotifyConfig struct {
	Email    EmailConfig     `toml:"email"`
	Webhooks []WebhookConfig `toml:"webhooks"`
}

// EmailConfig configures the SMTP channel. Recipients come from each
// project's notification email, not from config.
type EmailConfig struct {
	Enabled  bool   `toml:"enabled"`
	SMTPHost string `toml:"smtp_host"`
	SMTPPort int    `toml:"smtp_port"`
	From     string `toml:"from"`
}

type WebhookConfig struct {
	Enabled  bool              `toml:"enabled"`
	URL      string            `toml:"url"`
	Headers  map[string]string `toml:"headers"`
	Template string            `toml:"template"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with every field set to its default value.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/tern/tern.db"
	}
	if cfg.Storage.RetentionDays == 0 {
		cfg.Storage.RetentionDays = 7
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":8080"
	}
	if cfg.Aggregate.Period.Duration == 0 {
		cfg.Aggregate.Period.Duration = time.Minute
	}
	if cfg.Aggregate.RetryBackoff.Duration == 0 {
		cfg.Aggregate.RetryBackoff.Duration = 10 * time.Second
	}
	if cfg.Aggregate.MaxRetries == 0 {
		cfg.Aggregate.MaxRetries = 3
	}
	if cfg.Cleanup.Period.Duration == 0 {
		cfg.Cleanup.Period.Duration = 24 * time.Hour
	}
	if cfg.Cleanup.RetryBackoff.Duration == 0 {
		cfg.Cleanup.RetryBackoff.Duration = 30 * time.Second
	}
	if cfg.Cleanup.MaxRetries == 0 {
		cfg.Cleanup.MaxRetries = 2
	}
}

func validate(cfg *Config) error {
	if cfg.Storage.RetentionDays < 1 {
		return fmt.Errorf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays)
	}
	if cfg.Aggregate.Period.Duration < time.Minute {
		return fmt.Errorf("aggregate.period must be >= 1m, got %s", cfg.Aggregate.Period.Duration)
	}
	if cfg.Aggregate.Period.Duration%time.Minute != 0 {
		return fmt.Errorf("aggregate.period must be a whole number of minutes, got %s", cfg.Aggregate.Period.Duration)
	}
	if cfg.Aggregate.MaxRetries < 1 {
		return fmt.Errorf("aggregate.max_retries must be >= 1, got %d", cfg.Aggregate.MaxRetries)
	}
	if cfg.Cleanup.Period.Duration < time.Hour {
		return fmt.Errorf("cleanup.period must be >= 1h, got %s", cfg.Cleanup.Period.Duration)
	}
	if cfg.Cleanup.MaxRetries < 1 {
		return fmt.Errorf("cleanup.max_retries must be >= 1, got %d", cfg.Cleanup.MaxRetries)
	}
	if cfg.Notify.Email.Enabled {
		if cfg.Notify.Email.SMTPHost == "" {
			return fmt.Errorf("notify.email: smtp_host is required when enabled")
		}
		if cfg.Notify.Email.SMTPPort < 1 || cfg.Notify.Email.SMTPPort > 65535 {
			return fmt.Errorf("notify.email: smtp_port %d out of range", cfg.Notify.Email.SMTPPort)
		}
		if cfg.Notify.Email.From == "" {
			return fmt.Errorf("notify.email: from is required when enabled")
		}
	}
	for i, wh := range cfg.Notify.Webhooks {
		if err := validateWebhook(i, &wh); err != nil {
			return err
		}
	}
	return nil
}

func validateWebhook(idx int, wh *WebhookConfig) error {
	if !wh.Enabled {
		return nil
	}
	if wh.URL == "" {
		return fmt.Errorf("webhook[%d]: url is required when enabled", idx)
	}
	u, err := url.Parse(wh.URL)
	if err != nil {
		return fmt.Errorf("webhook[%d]: invalid url: %w", idx, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook[%d]: url scheme must be http or https", idx)
	}
	for key, val := range wh.Headers {
		if strings.ContainsAny(key, "\r\n") {
			return fmt.Errorf("webhook[%d]: header key contains invalid characters", idx)
		}
		if strings.ContainsAny(val, "\r\n") {
			return fmt.Errorf("webhook[%d]: header value contains invalid characters", idx)
		}
	}
	if wh.Template != "" {
		if _, err := template.New("").Parse(wh.Template); err != nil {
			return fmt.Errorf("webhook[%d]: invalid template: %w", idx, err)
		}
	}
	return nil
}
