// Package config provides configuration management for the skill runner.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the skill runner.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Data        DataConfig        `mapstructure:"data"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Interaction InteractionConfig `mapstructure:"interaction"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Engines     EnginesConfig     `mapstructure:"engines"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds host data layout configuration.
type DataConfig struct {
	// Dir is the data root. Requests, runs, agent-home, managed CLI
	// prefixes and the run store database all live under it.
	Dir string `mapstructure:"dir"`
}

// ConcurrencyConfig holds admission controller sizing knobs.
// Zero values mean "use the probed default".
type ConcurrencyConfig struct {
	HardCap              int     `mapstructure:"hardCap"`
	MaxQueueSize         int     `mapstructure:"maxQueueSize"`
	CPUFactor            float64 `mapstructure:"cpuFactor"`
	MemReserveMB         int     `mapstructure:"memReserveMb"`
	EstimatedMemPerRunMB int     `mapstructure:"estimatedMemPerRunMb"`
	FDReserve            int     `mapstructure:"fdReserve"`
	EstimatedFDPerRun    int     `mapstructure:"estimatedFdPerRun"`
	PIDReserve           int     `mapstructure:"pidReserve"`
	EstimatedPIDPerRun   int     `mapstructure:"estimatedPidPerRun"`
	FallbackMaxConcurrent int    `mapstructure:"fallbackMaxConcurrent"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// InteractionConfig holds interactive-turn timeout configuration.
type InteractionConfig struct {
	WaitTimeoutSec     int `mapstructure:"waitTimeoutSec"`     // soft wait before auto-decision
	HardWaitTimeoutSec int `mapstructure:"hardWaitTimeoutSec"` // absolute cap on waiting_user
	HeartbeatSec       int `mapstructure:"heartbeatSec"`       // SSE heartbeat interval
}

// RetentionConfig holds run retention configuration.
type RetentionConfig struct {
	Days        int `mapstructure:"days"`        // 0 disables the sweep
	IntervalMin int `mapstructure:"intervalMin"` // sweep cadence
}

// EnginesConfig holds engine subprocess configuration.
type EnginesConfig struct {
	HardTimeoutSeconds int    `mapstructure:"hardTimeoutSeconds"`
	LandlockEnabled    bool   `mapstructure:"landlockEnabled"`
	TTYDPath           string `mapstructure:"ttydPath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// WaitTimeout returns the soft interaction wait timeout as a time.Duration.
func (i *InteractionConfig) WaitTimeout() time.Duration {
	return time.Duration(i.WaitTimeoutSec) * time.Second
}

// HardWaitTimeout returns the hard interaction wait timeout as a time.Duration.
func (i *InteractionConfig) HardWaitTimeout() time.Duration {
	return time.Duration(i.HardWaitTimeoutSec) * time.Second
}

// Heartbeat returns the SSE heartbeat interval as a time.Duration.
func (i *InteractionConfig) Heartbeat() time.Duration {
	return time.Duration(i.HeartbeatSec) * time.Second
}

// SweepInterval returns the retention sweep cadence as a time.Duration.
func (r *RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(r.IntervalMin) * time.Minute
}

// HardTimeout returns the per-turn subprocess timeout as a time.Duration.
func (e *EnginesConfig) HardTimeout() time.Duration {
	return time.Duration(e.HardTimeoutSeconds) * time.Second
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".skill-runner"
	}
	return filepath.Join(home, ".skill-runner")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SKILL_RUNNER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Data defaults
	v.SetDefault("data.dir", defaultDataDir())

	// Concurrency defaults - zero means probe the host
	v.SetDefault("concurrency.hardCap", 8)
	v.SetDefault("concurrency.maxQueueSize", 32)
	v.SetDefault("concurrency.cpuFactor", 0.5)
	v.SetDefault("concurrency.memReserveMb", 1024)
	v.SetDefault("concurrency.estimatedMemPerRunMb", 768)
	v.SetDefault("concurrency.fdReserve", 256)
	v.SetDefault("concurrency.estimatedFdPerRun", 64)
	v.SetDefault("concurrency.pidReserve", 128)
	v.SetDefault("concurrency.estimatedPidPerRun", 16)
	v.SetDefault("concurrency.fallbackMaxConcurrent", 2)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Interaction defaults
	v.SetDefault("interaction.waitTimeoutSec", 600)
	v.SetDefault("interaction.hardWaitTimeoutSec", 3600)
	v.SetDefault("interaction.heartbeatSec", 15)

	// Retention defaults - 0 days disables the sweep
	v.SetDefault("retention.days", 0)
	v.SetDefault("retention.intervalMin", 60)

	// Engine defaults
	v.SetDefault("engines.hardTimeoutSeconds", 1800)
	v.SetDefault("engines.landlockEnabled", false)
	v.SetDefault("engines.ttydPath", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SKILL_RUNNER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/skill-runner/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SKILL_RUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the documented env var surface. AutomaticEnv does
	// not handle camelCase to SNAKE_CASE conversion, so keys whose env var
	// naming differs from the config key naming are bound by hand.
	_ = v.BindEnv("data.dir", "SKILL_RUNNER_DATA_DIR")
	_ = v.BindEnv("concurrency.hardCap", "SKILL_RUNNER_MAX_CONCURRENT_HARD_CAP")
	_ = v.BindEnv("concurrency.maxQueueSize", "SKILL_RUNNER_MAX_QUEUE_SIZE")
	_ = v.BindEnv("concurrency.cpuFactor", "SKILL_RUNNER_CPU_FACTOR")
	_ = v.BindEnv("concurrency.memReserveMb", "SKILL_RUNNER_MEM_RESERVE_MB")
	_ = v.BindEnv("concurrency.estimatedMemPerRunMb", "SKILL_RUNNER_ESTIMATED_MEM_PER_RUN_MB")
	_ = v.BindEnv("concurrency.fdReserve", "SKILL_RUNNER_FD_RESERVE")
	_ = v.BindEnv("concurrency.estimatedFdPerRun", "SKILL_RUNNER_ESTIMATED_FD_PER_RUN")
	_ = v.BindEnv("concurrency.pidReserve", "SKILL_RUNNER_PID_RESERVE")
	_ = v.BindEnv("concurrency.estimatedPidPerRun", "SKILL_RUNNER_ESTIMATED_PID_PER_RUN")
	_ = v.BindEnv("concurrency.fallbackMaxConcurrent", "SKILL_RUNNER_FALLBACK_MAX_CONCURRENT")
	_ = v.BindEnv("engines.landlockEnabled", "LANDLOCK_ENABLED")
	_ = v.BindEnv("engines.ttydPath", "SKILL_RUNNER_TTYD_PATH")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "SKILL_RUNNER_LOGGING_LEVEL")
	_ = v.BindEnv("logging.outputPath", "LOG_FILE", "SKILL_RUNNER_LOGGING_OUTPUTPATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/skill-runner/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// LOG_FILE points at a file; logging.outputPath keeps stdout/stderr values too.
	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	if cfg.Concurrency.CPUFactor <= 0 {
		errs = append(errs, "concurrency.cpuFactor must be positive")
	}
	if cfg.Concurrency.FallbackMaxConcurrent <= 0 {
		errs = append(errs, "concurrency.fallbackMaxConcurrent must be positive")
	}
	if cfg.Concurrency.MaxQueueSize < 0 {
		errs = append(errs, "concurrency.maxQueueSize must not be negative")
	}

	if cfg.Interaction.WaitTimeoutSec <= 0 {
		errs = append(errs, "interaction.waitTimeoutSec must be positive")
	}
	if cfg.Interaction.HardWaitTimeoutSec < cfg.Interaction.WaitTimeoutSec {
		errs = append(errs, "interaction.hardWaitTimeoutSec must be >= interaction.waitTimeoutSec")
	}

	if cfg.Retention.Days < 0 {
		errs = append(errs, "retention.days must not be negative")
	}
	if cfg.Retention.IntervalMin <= 0 {
		errs = append(errs, "retention.intervalMin must be positive")
	}

	if cfg.Engines.HardTimeoutSeconds <= 0 {
		errs = append(errs, "engines.hardTimeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
