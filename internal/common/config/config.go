// Package config provides configuration management for the agent runtime kernel.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the agent runtime kernel.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Kernel   KernelConfig   `mapstructure:"kernel"`
}

// KernelConfig holds the agent runtime kernel's component
// configuration: the "config snapshot" the kernel reads once at
// startup (spec.md §6).
type KernelConfig struct {
	Policy     KernelPolicyConfig     `mapstructure:"policy"`
	Scheduler  KernelSchedulerConfig  `mapstructure:"scheduler"`
	EventBus   KernelEventBusConfig   `mapstructure:"eventBus"`
	Recorder   KernelRecorderConfig   `mapstructure:"recorder"`
	Capability KernelCapabilityConfig `mapstructure:"capability"`
}

// KernelPolicyConfig selects the Policy Engine's mode and allow-list.
type KernelPolicyConfig struct {
	Mode            string   `mapstructure:"mode"` // yolo | review | strict
	AllowedFiles    []string `mapstructure:"allowedFiles"`
	AllowedNetworks []string `mapstructure:"allowedNetworks"`
}

// KernelSchedulerConfig controls the task scheduler's concurrency and
// shutdown behavior.
type KernelSchedulerConfig struct {
	MaxConcurrent    int `mapstructure:"maxConcurrent"`
	ReadyQueueSize   int `mapstructure:"readyQueueSize"`
	ShutdownGraceSec int `mapstructure:"shutdownGraceSec"`
}

// KernelEventBusConfig selects the Event Bus backend and its
// admission queue bound.
type KernelEventBusConfig struct {
	Backend  string `mapstructure:"backend"` // memory | nats
	MaxQueue int    `mapstructure:"maxQueue"`
}

// KernelRecorderConfig holds the Session Recorder settings.
// lifecycle.FromAppConfig passes only SessionLogPath and KernelVersion
// to the kernel. SQLiteIndexPath, MemoryBudgetMB and Seed are loaded
// but not read by the kernel: no SQLite side-index is opened at
// startup, the session header records a memory budget of 0, and the
// recorder always generates the run's seed from crypto/rand.
type KernelRecorderConfig struct {
	SessionLogPath  string `mapstructure:"sessionLogPath"`
	SQLiteIndexPath string `mapstructure:"sqliteIndexPath"`
	KernelVersion   string `mapstructure:"kernelVersion"`
	MemoryBudgetMB  int    `mapstructure:"memoryBudgetMb"`
	Seed            uint64 `mapstructure:"seed"`
}

// KernelCapabilityConfig selects the capability grant store backend.
type KernelCapabilityConfig struct {
	Store string `mapstructure:"store"` // memory | postgres
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
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

// ShutdownGraceDuration returns the scheduler's shutdown grace window
// as a time.Duration.
func (s *KernelSchedulerConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(s.ShutdownGraceSec) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("KANDEV_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./kandev.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "kandev")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "kandev")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - only used when kernel.eventBus.backend is "nats"
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "kandev-cluster")
	v.SetDefault("nats.clientId", "kandev-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Kernel policy defaults
	v.SetDefault("kernel.policy.mode", "review")
	v.SetDefault("kernel.policy.allowedFiles", []string{})
	v.SetDefault("kernel.policy.allowedNetworks", []string{})

	// Kernel scheduler defaults
	v.SetDefault("kernel.scheduler.maxConcurrent", 5)
	v.SetDefault("kernel.scheduler.readyQueueSize", 0)
	v.SetDefault("kernel.scheduler.shutdownGraceSec", 10)

	// Kernel event bus defaults
	v.SetDefault("kernel.eventBus.backend", "memory")
	v.SetDefault("kernel.eventBus.maxQueue", 1024)

	// Kernel recorder defaults
	v.SetDefault("kernel.recorder.sessionLogPath", "./kernel-session.jsonl")
	v.SetDefault("kernel.recorder.sqliteIndexPath", "")
	v.SetDefault("kernel.recorder.kernelVersion", "0.1.0")
	v.SetDefault("kernel.recorder.memoryBudgetMb", 512)
	v.SetDefault("kernel.recorder.seed", 0)

	// Kernel capability defaults
	v.SetDefault("kernel.capability.store", "memory")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KANDEV_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kandev/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("KANDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("logging.level", "KANDEV_LOG_LEVEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kandev/")

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

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	// NATS validation - none; the bus backend is selected by
	// kernel.eventBus.backend, not by whether nats.url is set

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Kernel validation
	validPolicyModes := map[string]bool{"yolo": true, "review": true, "strict": true}
	if !validPolicyModes[strings.ToLower(cfg.Kernel.Policy.Mode)] {
		errs = append(errs, "kernel.policy.mode must be one of: yolo, review, strict")
	}
	if cfg.Kernel.Scheduler.MaxConcurrent <= 0 {
		errs = append(errs, "kernel.scheduler.maxConcurrent must be positive")
	}
	validBusBackends := map[string]bool{"memory": true, "nats": true}
	if !validBusBackends[strings.ToLower(cfg.Kernel.EventBus.Backend)] {
		errs = append(errs, "kernel.eventBus.backend must be one of: memory, nats")
	}
	if cfg.Kernel.Recorder.SessionLogPath == "" {
		errs = append(errs, "kernel.recorder.sessionLogPath is required")
	}
	validCapStores := map[string]bool{"memory": true, "postgres": true}
	if !validCapStores[strings.ToLower(cfg.Kernel.Capability.Store)] {
		errs = append(errs, "kernel.capability.store must be one of: memory, postgres")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
