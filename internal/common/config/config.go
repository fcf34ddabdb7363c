// Package config provides configuration management for legiond.
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

// Config holds all configuration sections for legiond.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Data      DataConfig      `mapstructure:"data"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Observer  ObserverConfig  `mapstructure:"observer"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds on-disk state layout configuration.
type DataConfig struct {
	// Dir is the root of the persisted layout: projects/, sessions/,
	// legions/, templates/ all live beneath it.
	Dir string `mapstructure:"dir"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds external agent process configuration.
type AgentConfig struct {
	// Binary is the agent CLI executable to spawn per session.
	Binary string `mapstructure:"binary"`
	// DefaultModel is used when a session does not specify a model.
	DefaultModel string `mapstructure:"defaultModel"`
	// InitTimeout bounds session start in seconds (spec default 60s).
	InitTimeout int `mapstructure:"initTimeout"`
	// StopGrace is the graceful-signal window before hard kill, in seconds.
	StopGrace int `mapstructure:"stopGrace"`
}

// SchedulerConfig holds cron dispatcher configuration.
type SchedulerConfig struct {
	// TickInterval is the fallback wake-up period in seconds when no
	// schedule is armed.
	TickInterval int `mapstructure:"tickInterval"`
	// HistoryLimit bounds the per-schedule execution history.
	HistoryLimit int `mapstructure:"historyLimit"`
}

// ObserverConfig holds subscriber fan-out configuration.
type ObserverConfig struct {
	// QueueDepth is the per-subscriber bounded outbound queue size.
	QueueDepth int `mapstructure:"queueDepth"`
	// HeartbeatInterval in seconds.
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`
	// AckGrace is how long a subscriber may go without acknowledging
	// heartbeats before disconnection, in seconds.
	AckGrace int `mapstructure:"ackGrace"`
}

// MCPConfig holds the embedded MCP tool server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint host:port
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

// InitTimeoutDuration returns the agent init timeout as a time.Duration.
func (a *AgentConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(a.InitTimeout) * time.Second
}

// StopGraceDuration returns the stop grace period as a time.Duration.
func (a *AgentConfig) StopGraceDuration() time.Duration {
	return time.Duration(a.StopGrace) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("LEGIOND_ENV"); env == "production" || env == "prod" {
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

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "legiond")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.defaultModel", "")
	v.SetDefault("agent.initTimeout", 60)
	v.SetDefault("agent.stopGrace", 5)

	// Scheduler defaults
	v.SetDefault("scheduler.tickInterval", 30)
	v.SetDefault("scheduler.historyLimit", 50)

	// Observer defaults
	v.SetDefault("observer.queueDepth", 256)
	v.SetDefault("observer.heartbeatInterval", 15)
	v.SetDefault("observer.ackGrace", 60)

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// defaultDataDir returns ~/.legiond, falling back to ./legiond-data when the
// home directory cannot be resolved.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./legiond-data"
	}
	return filepath.Join(home, ".legiond")
}

// Load reads configuration from defaults, an optional legiond.yaml, and
// LEGIOND_* environment variables (highest precedence).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("legiond")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.legiond")
	v.AddConfigPath("/etc/legiond")

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; anything else is a real error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("LEGIOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
