package adapter

import (
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/metric-investigator/internal/llm/provider/anthropic"
	"github.com/kubilitics/metric-investigator/internal/llm/provider/openai"
)

// ProviderType identifies which LLM provider is configured
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
)

// ErrProviderNotConfigured is returned when no API key is available. The
// server still starts; investigations then need the playbook oracle.
var ErrProviderNotConfigured = errors.New("LLM provider not configured")

// Config holds LLM provider configuration
type Config struct {
	Provider  ProviderType
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// NewClient creates the provider client selected by cfg.
func NewClient(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrProviderNotConfigured
	}

	switch cfg.Provider {
	case ProviderOpenAI:
		client, err := openai.NewClient(openai.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
			JSONMode:  true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		return client, nil

	case ProviderAnthropic:
		client, err := anthropic.NewClient(anthropic.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Anthropic client: %w", err)
		}
		return client, nil
	}
	return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
}
