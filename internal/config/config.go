package config

import "context"

// Package config provides configuration management for the investigator.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (METRIC_INVESTIGATOR_* prefix, "." becomes "_")
//   2. YAML config file (default: config.yaml)
//   3. Built-in defaults (lowest priority)
//
// Provider API keys are also read from ANTHROPIC_API_KEY / OPENAI_API_KEY.
//
// Main Configuration Sections:
//
//   1. Server
//      - port: HTTP listen port (default 8081)
//      - grpc_port: gRPC health port (default 9091, 0 disables)
//      - allowed_origins: CORS and WebSocket origins
//      - rate_limit_rpm: per-client request budget (0 disables)
//
//   2. LLM
//      - provider: "anthropic" | "openai"
//      - api_key, model, base_url
//      - timeout_seconds: per-call deadline
//      - max_tokens
//
//   3. Retry
//      - max_attempts, base_delay_ms
//
//   4. Warehouse
//      - path: SQLite analytics database
//      - read_only
//
//   5. Cache
//      - size: entries (0 disables), ttl_seconds
//
//   6. Investigation
//      - max_steps: decision budget per run
//      - default_confidence
//      - data_start, data_end: the window the oracle may query
//      - oracle: "llm" | "playbook"
//
//   7. Archive
//      - enabled, path, retention_days
//
//   8. Logging
//      - level, format, file, audit_file, max_size_mb, max_backups, max_age_days
//
//   9. Telemetry
//      - otlp_endpoint (empty disables tracing), insecure, service_name
//
// Config struct contains all configuration fields
type Config struct {
	Server struct {
		Port           int
		GRPCPort       int
		AllowedOrigins []string
		RateLimitRPM   int
	}

	LLM struct {
		Provider       string
		APIKey         string
		Model          string
		BaseURL        string
		TimeoutSeconds int
		MaxTokens      int
	}

	Retry struct {
		MaxAttempts int
		BaseDelayMS int
	}

	Warehouse struct {
		Path     string
		ReadOnly bool
	}

	Cache struct {
		Size       int
		TTLSeconds int
	}

	Investigation struct {
		MaxSteps          int
		DefaultConfidence float64
		DataStart         string
		DataEnd           string
		Oracle            string
	}

	Archive struct {
		Enabled       bool
		Path          string
		RetentionDays int
	}

	Logging struct {
		Level      string
		Format     string
		File       string
		AuditFile  string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	Telemetry struct {
		OTLPEndpoint string
		Insecure     bool
		ServiceName  string
	}
}

// LLMConfigured reports whether an LLM provider can be called.
func (c *Config) LLMConfigured() bool {
	return c.LLM.APIKey != ""
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("config.yaml")
}
