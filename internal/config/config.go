// Package config provides the configuration schema and loading for the
// aegis policy engine.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aegisflow/aegis/internal/domain/approval"
)

// Config is the top-level configuration.
type Config struct {
	// Env is the deployment environment embedded in event execution
	// refs: dev, staging, or prod.
	Env string `yaml:"env" mapstructure:"env" validate:"omitempty,oneof=dev staging prod"`

	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Policy     PolicyConfig     `yaml:"policy" mapstructure:"policy"`
	Governance GovernanceConfig `yaml:"governance" mapstructure:"governance"`
	RecordSink RecordSinkConfig `yaml:"record_sink" mapstructure:"record_sink"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Audit      AuditConfig      `yaml:"audit" mapstructure:"audit"`
	Approval   ApprovalConfig   `yaml:"approval" mapstructure:"approval"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// HTTPAddr is the listen address. Default: 127.0.0.1:8085.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// AllowedOrigins configures CORS for browser callers.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// PolicyConfig configures the policy corpus and the decision cache.
type PolicyConfig struct {
	// File is an optional policy document loaded at boot (YAML or JSON).
	File string `yaml:"file" mapstructure:"file"`
	// Watch reloads the policy file on change.
	Watch bool        `yaml:"watch" mapstructure:"watch"`
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`
}

// CacheConfig bounds the decision cache.
type CacheConfig struct {
	// TTLSeconds is the decision cache TTL. Default 60.
	TTLSeconds int `yaml:"ttl_seconds" mapstructure:"ttl_seconds" validate:"gte=0"`
	// MaxEntries bounds the cache. Default 10000.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries" validate:"gte=0"`
}

// TTL returns the cache TTL as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// GovernanceConfig holds the budget-style alert thresholds used by the
// governance validator.
type GovernanceConfig struct {
	WarningThresholdPercent  float64 `yaml:"warning_threshold_percent" mapstructure:"warning_threshold_percent" validate:"gte=0,lte=100"`
	CriticalThresholdPercent float64 `yaml:"critical_threshold_percent" mapstructure:"critical_threshold_percent" validate:"gte=0,lte=100"`
}

// RecordSinkConfig bounds record sink writes.
type RecordSinkConfig struct {
	// TimeoutMS caps one sink write; on expiry the write degrades to a
	// warning and the decision still flows back. Default 2000.
	TimeoutMS int `yaml:"timeout_ms" mapstructure:"timeout_ms" validate:"gte=0"`
}

// Timeout returns the sink write timeout as a duration.
func (c RecordSinkConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// TelemetryConfig configures the telemetry sink.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Path is the SQLite database path. Empty selects in-memory stores.
	Path string `yaml:"path" mapstructure:"path"`
}

// AuditConfig configures audit maintenance.
type AuditConfig struct {
	// VerifySchedule is a cron expression for periodic chain
	// verification. Default hourly.
	VerifySchedule string `yaml:"verify_schedule" mapstructure:"verify_schedule"`
}

// ApprovalConfig carries approval routing rules and the timezone used by
// time-window auto-approval checks.
type ApprovalConfig struct {
	// Timezone is an IANA name; empty means server local time.
	Timezone string          `yaml:"timezone" mapstructure:"timezone"`
	Rules    []approval.Rule `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`
}

// AuthConfig gates the mutation API.
type AuthConfig struct {
	// APIKeyHashes are argon2id hashes of accepted admin API keys.
	// When empty, mutation endpoints accept only loopback callers.
	APIKeyHashes []string `yaml:"api_key_hashes" mapstructure:"api_key_hashes"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8085"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Policy.Cache.TTLSeconds == 0 {
		c.Policy.Cache.TTLSeconds = 60
	}
	if c.Policy.Cache.MaxEntries == 0 {
		c.Policy.Cache.MaxEntries = 10000
	}
	if c.Governance.WarningThresholdPercent == 0 {
		c.Governance.WarningThresholdPercent = 80
	}
	if c.Governance.CriticalThresholdPercent == 0 {
		c.Governance.CriticalThresholdPercent = 95
	}
	if c.RecordSink.TimeoutMS == 0 {
		c.RecordSink.TimeoutMS = 2000
	}
	if c.Audit.VerifySchedule == "" {
		c.Audit.VerifySchedule = "@hourly"
	}
}

// Validate runs struct validation plus the cross-field checks.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Approval.Timezone != "" {
		if _, err := time.LoadLocation(c.Approval.Timezone); err != nil {
			return fmt.Errorf("invalid approval.timezone %q: %w", c.Approval.Timezone, err)
		}
	}
	for i := range c.Approval.Rules {
		if err := c.Approval.Rules[i].Validate(); err != nil {
			return fmt.Errorf("approval rule %s: %w", c.Approval.Rules[i].ID, err)
		}
	}
	return nil
}

// ApprovalTimezone resolves the configured timezone, defaulting to the
// server's local zone.
func (c *Config) ApprovalTimezone() *time.Location {
	if c.Approval.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Approval.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
