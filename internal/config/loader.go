package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, aegis.yaml/.yml is searched in the
// working directory, ~/.aegis, and /etc/aegis.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("aegis")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: AEGIS_POLICY_CACHE_TTL_SECONDS
	// overrides policy.cache.ttl_seconds.
	viper.SetEnvPrefix("AEGIS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for aegis.yaml or aegis.yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".aegis"),
		"/etc/aegis",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "aegis"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the recognised keys so each is overridable via
// environment variables.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("env")

	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("policy.file")
	_ = viper.BindEnv("policy.watch")
	_ = viper.BindEnv("policy.cache.ttl_seconds")
	_ = viper.BindEnv("policy.cache.max_entries")

	_ = viper.BindEnv("governance.warning_threshold_percent")
	_ = viper.BindEnv("governance.critical_threshold_percent")

	_ = viper.BindEnv("record_sink.timeout_ms")
	_ = viper.BindEnv("telemetry.enabled")
	_ = viper.BindEnv("telemetry.endpoint")

	_ = viper.BindEnv("storage.path")
	_ = viper.BindEnv("audit.verify_schedule")
	_ = viper.BindEnv("approval.timezone")

	// approval.rules and auth.api_key_hashes are arrays; use the config
	// file for those.
}

// Load reads the configuration, applies environment overrides, sets
// defaults, and validates.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: run on env vars and defaults alone.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// FileUsed returns the loaded config file path, or empty when running on
// environment variables only.
func FileUsed() string {
	return viper.ConfigFileUsed()
}
