// Package config assembles the typed service configuration from the
// environment loaded by package env.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/entitlements"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/env"
)

type Config struct {
	AppHost string `validate:"required"`
	AppPort int    `validate:"required,min=1,max=65535"`

	// EntitlementPolicy selects production or permissive gating.
	EntitlementPolicy string `validate:"oneof=production permissive"`

	BillingWebhookSecret string
	StripeWebhookSecret  string
	GateServiceToken     string `validate:"required,min=16"`

	DeferredRedriveInterval time.Duration `validate:"min=1s"`
	DeferredMaxAttempts     int           `validate:"min=1,max=50"`

	RateLimitMax    int           `validate:"min=1"`
	RateLimitWindow time.Duration `validate:"min=1s"`

	// /metrics is only mounted when a password is set.
	MetricsUser     string
	MetricsPassword string

	Archive ArchiveConfig
}

// ArchiveConfig holds the S3 target of the billing event archive.
type ArchiveConfig struct {
	Enabled   bool
	Bucket    string `validate:"required_if=Enabled true"`
	Region    string `validate:"required_if=Enabled true"`
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	Retention time.Duration
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		AppHost:                 env.GetEnv("APP_HOST", "0.0.0.0"),
		AppPort:                 getInt("APP_PORT", 4000),
		EntitlementPolicy:       strings.ToLower(env.GetEnv("ENTITLEMENT_POLICY", entitlements.PolicyProduction)),
		BillingWebhookSecret:    env.GetEnv("BILLING_WEBHOOK_SECRET", ""),
		StripeWebhookSecret:     env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		GateServiceToken:        env.GetEnv("GATE_SERVICE_TOKEN", ""),
		DeferredRedriveInterval: getDuration("DEFERRED_REDRIVE_INTERVAL", 30*time.Second),
		DeferredMaxAttempts:     getInt("DEFERRED_MAX_ATTEMPTS", 8),
		RateLimitMax:            getInt("RATE_LIMIT_MAX", 300),
		RateLimitWindow:         getDuration("RATE_LIMIT_WINDOW", time.Minute),
		MetricsUser:             env.GetEnv("METRICS_USER", "admin"),
		MetricsPassword:         env.GetEnv("METRICS_PASSWORD", ""),
		Archive:                 loadArchive(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadArchive reads only the archive settings, for tools that do not serve HTTP.
func LoadArchive() (ArchiveConfig, error) {
	cfg := loadArchive()
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid archive configuration: %w", err)
	}
	return cfg, nil
}

func loadArchive() ArchiveConfig {
	return ArchiveConfig{
		Enabled:   getBool("S3_ARCHIVE_ENABLED", false),
		Bucket:    env.GetEnv("S3_BUCKET", ""),
		Region:    env.GetEnv("S3_REGION", ""),
		Endpoint:  env.GetEnv("S3_ENDPOINT", ""),
		AccessKey: env.GetEnv("S3_ACCESS_KEY", ""),
		SecretKey: env.GetEnv("S3_SECRET_KEY", ""),
		PathStyle: getBool("S3_PATH_STYLE", false),
		Retention: getDuration("S3_ARCHIVE_AFTER", 30*24*time.Hour),
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Policy returns the entitlement policy to inject into the evaluator.
func (c *Config) Policy() entitlements.Policy {
	return entitlements.PolicyByName(c.EntitlementPolicy)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.AppHost, c.AppPort)
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(env.GetEnv(key, "")))
	if err != nil {
		return def
	}
	return v
}

func getBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(env.GetEnv(key, "")))
	if err != nil {
		return def
	}
	return v
}

func getDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(env.GetEnv(key, "")))
	if err != nil {
		return def
	}
	return v
}
