package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "METRIC_INVESTIGATOR"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// A missing file is fine: defaults plus environment.
	if err := m.readConfigFile(); err != nil {
		return err
	}

	cfg := m.unmarshalConfig()
	applyEnvOverrides(cfg)
	m.set(cfg)
	return nil
}

func (m *viperConfigManager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *viperConfigManager) set(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and sends each valid reloaded config.
// Reloads that fail validation are dropped.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			cfg := m.unmarshalConfig()
			applyEnvOverrides(cfg)
			if len(cfg.Validate()) > 0 {
				return
			}
			m.set(cfg)
			select {
			case m.watchChan <- *cfg:
			default:
				// Channel full, skip this update
			}
		})
		m.viper.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}
	cfg := m.unmarshalConfig()
	applyEnvOverrides(cfg)
	m.set(cfg)
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.grpc_port", defaults.Server.GRPCPort)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.rate_limit_rpm", defaults.Server.RateLimitRPM)

	// LLM defaults
	m.viper.SetDefault("llm.provider", defaults.LLM.Provider)
	m.viper.SetDefault("llm.api_key", defaults.LLM.APIKey)
	m.viper.SetDefault("llm.model", defaults.LLM.Model)
	m.viper.SetDefault("llm.base_url", defaults.LLM.BaseURL)
	m.viper.SetDefault("llm.timeout_seconds", defaults.LLM.TimeoutSeconds)
	m.viper.SetDefault("llm.max_tokens", defaults.LLM.MaxTokens)

	// Retry defaults
	m.viper.SetDefault("retry.max_attempts", defaults.Retry.MaxAttempts)
	m.viper.SetDefault("retry.base_delay_ms", defaults.Retry.BaseDelayMS)

	// Warehouse defaults
	m.viper.SetDefault("warehouse.path", defaults.Warehouse.Path)
	m.viper.SetDefault("warehouse.read_only", defaults.Warehouse.ReadOnly)

	// Cache defaults
	m.viper.SetDefault("cache.size", defaults.Cache.Size)
	m.viper.SetDefault("cache.ttl_seconds", defaults.Cache.TTLSeconds)

	// Investigation defaults
	m.viper.SetDefault("investigation.max_steps", defaults.Investigation.MaxSteps)
	m.viper.SetDefault("investigation.default_confidence", defaults.Investigation.DefaultConfidence)
	m.viper.SetDefault("investigation.data_start", defaults.Investigation.DataStart)
	m.viper.SetDefault("investigation.data_end", defaults.Investigation.DataEnd)
	m.viper.SetDefault("investigation.oracle", defaults.Investigation.Oracle)

	// Archive defaults
	m.viper.SetDefault("archive.enabled", defaults.Archive.Enabled)
	m.viper.SetDefault("archive.path", defaults.Archive.Path)
	m.viper.SetDefault("archive.retention_days", defaults.Archive.RetentionDays)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.audit_file", defaults.Logging.AuditFile)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)

	// Telemetry defaults
	m.viper.SetDefault("telemetry.otlp_endpoint", defaults.Telemetry.OTLPEndpoint)
	m.viper.SetDefault("telemetry.insecure", defaults.Telemetry.Insecure)
	m.viper.SetDefault("telemetry.service_name", defaults.Telemetry.ServiceName)
}

// unmarshalConfig reads viper values into a fresh Config.
func (m *viperConfigManager) unmarshalConfig() *Config {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.GRPCPort = m.viper.GetInt("server.grpc_port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.RateLimitRPM = m.viper.GetInt("server.rate_limit_rpm")

	// LLM
	cfg.LLM.Provider = m.viper.GetString("llm.provider")
	cfg.LLM.APIKey = m.viper.GetString("llm.api_key")
	cfg.LLM.Model = m.viper.GetString("llm.model")
	cfg.LLM.BaseURL = m.viper.GetString("llm.base_url")
	cfg.LLM.TimeoutSeconds = m.viper.GetInt("llm.timeout_seconds")
	cfg.LLM.MaxTokens = m.viper.GetInt("llm.max_tokens")

	// Retry
	cfg.Retry.MaxAttempts = m.viper.GetInt("retry.max_attempts")
	cfg.Retry.BaseDelayMS = m.viper.GetInt("retry.base_delay_ms")

	// Warehouse
	cfg.Warehouse.Path = m.viper.GetString("warehouse.path")
	cfg.Warehouse.ReadOnly = m.viper.GetBool("warehouse.read_only")

	// Cache
	cfg.Cache.Size = m.viper.GetInt("cache.size")
	cfg.Cache.TTLSeconds = m.viper.GetInt("cache.ttl_seconds")

	// Investigation
	cfg.Investigation.MaxSteps = m.viper.GetInt("investigation.max_steps")
	cfg.Investigation.DefaultConfidence = m.viper.GetFloat64("investigation.default_confidence")
	cfg.Investigation.DataStart = m.viper.GetString("investigation.data_start")
	cfg.Investigation.DataEnd = m.viper.GetString("investigation.data_end")
	cfg.Investigation.Oracle = m.viper.GetString("investigation.oracle")

	// Archive
	cfg.Archive.Enabled = m.viper.GetBool("archive.enabled")
	cfg.Archive.Path = m.viper.GetString("archive.path")
	cfg.Archive.RetentionDays = m.viper.GetInt("archive.retention_days")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.AuditFile = m.viper.GetString("logging.audit_file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")

	// Telemetry
	cfg.Telemetry.OTLPEndpoint = m.viper.GetString("telemetry.otlp_endpoint")
	cfg.Telemetry.Insecure = m.viper.GetBool("telemetry.insecure")
	cfg.Telemetry.ServiceName = m.viper.GetString("telemetry.service_name")

	return cfg
}

// applyEnvOverrides fills the API key from the provider's conventional
// environment variable when no key was configured explicitly.
func applyEnvOverrides(cfg *Config) {
	if cfg.LLM.APIKey != "" {
		return
	}
	switch cfg.LLM.Provider {
	case "anthropic":
		cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}
