package config

import (
	"fmt"
	"strings"

	"github.com/kubilitics/metric-investigator/internal/models"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		add("server.grpc_port", "grpc_port must be between 0 and 65535, got %d", c.Server.GRPCPort)
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		add("server.grpc_port", "grpc_port must differ from port")
	}
	if c.Server.RateLimitRPM < 0 {
		add("server.rate_limit_rpm", "rate_limit_rpm cannot be negative, got %d", c.Server.RateLimitRPM)
	}

	// LLM. A missing API key is not fatal: the server starts and the llm
	// oracle reports itself unavailable.
	validProviders := map[string]bool{
		"openai":    true,
		"anthropic": true,
	}
	if !validProviders[c.LLM.Provider] {
		add("llm.provider", "invalid provider '%s', must be one of: anthropic, openai", c.LLM.Provider)
	}
	if c.LLMConfigured() && c.LLM.Model == "" {
		add("llm.model", "model is required when an api key is set")
	}
	if c.LLM.TimeoutSeconds < 1 {
		add("llm.timeout_seconds", "timeout must be at least 1 second, got %d", c.LLM.TimeoutSeconds)
	}
	if c.LLM.MaxTokens < 1 {
		add("llm.max_tokens", "max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}

	// Retry
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts", "max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelayMS < 0 {
		add("retry.base_delay_ms", "base_delay_ms cannot be negative, got %d", c.Retry.BaseDelayMS)
	}

	// Warehouse
	if c.Warehouse.Path == "" {
		add("warehouse.path", "warehouse path is required")
	}

	// Cache
	if c.Cache.Size < 0 {
		add("cache.size", "size cannot be negative, got %d", c.Cache.Size)
	}
	if c.Cache.TTLSeconds < 0 {
		add("cache.ttl_seconds", "ttl_seconds cannot be negative, got %d", c.Cache.TTLSeconds)
	}

	// Investigation
	if c.Investigation.MaxSteps < 1 {
		add("investigation.max_steps", "max_steps must be at least 1, got %d", c.Investigation.MaxSteps)
	}
	if c.Investigation.DefaultConfidence <= 0 || c.Investigation.DefaultConfidence > 1 {
		add("investigation.default_confidence", "default_confidence must be in (0, 1], got %.2f", c.Investigation.DefaultConfidence)
	}
	if _, err := c.DataWindow(); err != nil {
		add("investigation.data_start", "%v", err)
	}
	validOracles := map[string]bool{
		"llm":      true,
		"playbook": true,
	}
	if !validOracles[c.Investigation.Oracle] {
		add("investigation.oracle", "invalid oracle '%s', must be one of: llm, playbook", c.Investigation.Oracle)
	}

	// Archive
	if c.Archive.Enabled && c.Archive.Path == "" {
		add("archive.path", "path is required when archive is enabled")
	}
	if c.Archive.RetentionDays < 0 {
		add("archive.retention_days", "retention_days cannot be negative, got %d", c.Archive.RetentionDays)
	}

	// Logging
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		add("logging.level", "invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		add("logging.format", "invalid log format '%s', must be one of: json, text", c.Logging.Format)
	}

	return errs
}

// DataWindow parses the investigation data window.
func (c *Config) DataWindow() (models.DateRange, error) {
	rng, err := models.NewDateRange(c.Investigation.DataStart, c.Investigation.DataEnd)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("invalid data window: %w", err)
	}
	if rng.Empty() {
		return models.DateRange{}, fmt.Errorf("invalid data window: %s is after %s", rng.Start, rng.End)
	}
	return rng, nil
}
