package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8081
	cfg.Server.GRPCPort = 9091
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RateLimitRPM = 120

	// LLM defaults
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.Model = "claude-3-5-sonnet-20241022"
	cfg.LLM.TimeoutSeconds = 60
	cfg.LLM.MaxTokens = 2048

	// Retry defaults
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelayMS = 500

	// Warehouse defaults
	cfg.Warehouse.Path = "data/analytics.db"
	cfg.Warehouse.ReadOnly = false

	// Cache defaults
	cfg.Cache.Size = 512
	cfg.Cache.TTLSeconds = 300

	// Investigation defaults
	cfg.Investigation.MaxSteps = 10
	cfg.Investigation.DefaultConfidence = 0.5
	cfg.Investigation.DataStart = "2026-01-25"
	cfg.Investigation.DataEnd = "2026-02-01"
	cfg.Investigation.Oracle = "llm"

	// Archive defaults
	cfg.Archive.Enabled = true
	cfg.Archive.Path = "data/archive.db"
	cfg.Archive.RetentionDays = 30

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.AuditFile = "logs/audit.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30

	// Telemetry defaults
	cfg.Telemetry.OTLPEndpoint = ""
	cfg.Telemetry.Insecure = true
	cfg.Telemetry.ServiceName = "metric-investigator"

	return cfg
}
