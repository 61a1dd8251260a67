// Package config loads the runtime configuration from a YAML file with
// environment variable expansion and sensible defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root runtime configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Secrets       SecretsConfig       `yaml:"secrets"`
	Observability ObservabilityConfig `yaml:"observability"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Webhooks      WebhooksConfig      `yaml:"webhooks"`
	MCP           MCPConfig           `yaml:"mcp"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	// URL is the connection string; defaults to $DATABASE_URL.
	URL string `yaml:"url"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// RedisConfig enables the Redis-backed async webhook queue when URL is set.
type RedisConfig struct {
	// URL defaults to $REDIS_URL; empty disables Redis.
	URL string `yaml:"url"`
}

// SecretsConfig configures the secret service master key.
type SecretsConfig struct {
	// KeyEnvVar names the env var holding the 32-byte hex master key.
	KeyEnvVar string `yaml:"key_env_var"`
}

// ObservabilityConfig groups logging and tracing settings.
type ObservabilityConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	TracingOn    bool   `yaml:"tracing_enabled"`
}

// SchedulerConfig configures the scheduled-task dispatcher.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Workers      int           `yaml:"workers"`
}

// WebhooksConfig configures the async webhook queue.
type WebhooksConfig struct {
	QueueWorkers int `yaml:"queue_workers"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// MCPConfig lists external tool servers to connect at startup.
type MCPConfig struct {
	Enabled bool              `yaml:"enabled"`
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "sse"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	// Env maps variable names to environment variable names resolved from
	// the process environment at spawn time.
	Env    map[string]string `yaml:"env,omitempty"`
	Prefix string            `yaml:"prefix,omitempty"`
}

// Default returns the configuration defaults applied before file values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Redis:   RedisConfig{URL: os.Getenv("REDIS_URL")},
		Secrets: SecretsConfig{KeyEnvVar: "SECRETS_ENCRYPTION_KEY"},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: 10 * time.Second,
			Workers:      4,
		},
		Webhooks: WebhooksConfig{QueueWorkers: 5, MaxAttempts: 3},
	}
}

// Load reads a YAML config file, expanding ${VAR} references from the
// process environment. A missing path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Scheduler.TickInterval < 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	for _, srv := range c.MCP.Servers {
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("mcp server %q: stdio transport requires command", srv.Name)
			}
		case "sse":
			if srv.URL == "" {
				return fmt.Errorf("mcp server %q: sse transport requires url", srv.Name)
			}
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q", srv.Name, srv.Transport)
		}
	}
	return nil
}
