// Package config provides configuration management for Maestro.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Maestro.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Events  EventsConfig  `mapstructure:"events"`
	Logging LoggingConfig `mapstructure:"logging"`
	Process ProcessConfig `mapstructure:"process"`
	Plugins PluginsConfig `mapstructure:"plugins"`
}

// ServerConfig holds HTTP/WS server configuration for the IPC gateway.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ProcessConfig holds defaults for the process supervisor (L4).
type ProcessConfig struct {
	// MaxSessions bounds how many managed/interactive sessions a single
	// supervisor will run concurrently (spec §5's resource model).
	MaxSessions int `mapstructure:"maxSessions"`

	// KillGracePeriod is a kill grace period in seconds. It is loaded but
	// not read by the supervisor, which escalates to SIGKILL after its own
	// fixed killGracePeriod (5s).
	KillGracePeriod int `mapstructure:"killGracePeriod"`

	// LineBufferCap is a retained-partial cap for the Line Assembler (L1),
	// in bytes. It is validated but not read: the assemblers in
	// pkg/claudecode and pkg/codex use lineassembler.DefaultCap.
	LineBufferCap int `mapstructure:"lineBufferCap"`
}

// PluginsConfig holds Plugin Host (L5) discovery configuration.
type PluginsConfig struct {
	// Dir is the directory scanned for plugin manifests at startup.
	Dir string `mapstructure:"dir"`

	// Enabled toggles the plugin host entirely.
	Enabled bool `mapstructure:"enabled"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// KillGracePeriodDuration returns the kill grace period as a time.Duration.
func (p *ProcessConfig) KillGracePeriodDuration() time.Duration {
	return time.Duration(p.KillGracePeriod) * time.Second
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
	if env := os.Getenv("MAESTRO_ENV"); env == "production" || env == "prod" {
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

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "maestro-cluster")
	v.SetDefault("nats.clientId", "maestro-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Process defaults
	v.SetDefault("process.maxSessions", 64)
	v.SetDefault("process.killGracePeriod", 5)
	v.SetDefault("process.lineBufferCap", 4*1024*1024)

	// Plugins defaults
	v.SetDefault("plugins.dir", "~/.maestro/plugins")
	v.SetDefault("plugins.enabled", true)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MAESTRO_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/maestro/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MAESTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("logging.level", "MAESTRO_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "MAESTRO_EVENTS_NAMESPACE")
	_ = v.BindEnv("plugins.dir", "MAESTRO_PLUGINS_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/maestro/")

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

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Process.MaxSessions <= 0 {
		errs = append(errs, "process.maxSessions must be positive")
	}
	if cfg.Process.LineBufferCap <= 0 {
		errs = append(errs, "process.lineBufferCap must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
