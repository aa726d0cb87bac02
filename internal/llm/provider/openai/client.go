package openai

// Package openai provides the OpenAI provider on top of go-openai.
//
// Requests ask for the JSON object response format, since every caller
// expects a single JSON object back. base_url may point at any
// OpenAI-compatible endpoint (vLLM, LocalAI, LM Studio).

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kubilitics/metric-investigator/internal/llm/types"
)

const (
	ProviderName     = "openai"
	DefaultModel     = "gpt-4o"
	DefaultMaxTokens = 2048
	DefaultTimeout   = 120 * time.Second
)

// Config configures a Client.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
	// JSONMode requests response_format json_object. Some compatible
	// endpoints reject it.
	JSONMode bool
}

// Client implements the OpenAI provider.
type Client struct {
	client    *goopenai.Client
	model     string
	maxTokens int
	jsonMode  bool
}

// NewClient creates a new OpenAI client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Client{
		client:    goopenai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		jsonMode:  cfg.JSONMode,
	}, nil
}

func (c *Client) Name() string  { return ProviderName }
func (c *Client) Model() string { return c.model }

// Complete sends a chat completion request and returns the first choice.
func (c *Client) Complete(ctx context.Context, messages []types.Message) (*types.CompletionResponse, error) {
	req := goopenai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  convertMessages(messages),
		MaxTokens: c.maxTokens,
	}
	if c.jsonMode {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("OpenAI returned no choices")
	}

	return &types.CompletionResponse{
		Content:    resp.Choices[0].Message.Content,
		Model:      resp.Model,
		StopReason: string(resp.Choices[0].FinishReason),
		Usage: types.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func convertMessages(messages []types.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := goopenai.ChatMessageRoleUser
		switch m.Role {
		case types.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		case types.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		}
		out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// classify maps go-openai errors carrying an HTTP status onto
// *types.APIError.
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fmt.Errorf("openai: %w", &types.APIError{Provider: ProviderName, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message})
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fmt.Errorf("openai: %w", &types.APIError{Provider: ProviderName, StatusCode: reqErr.HTTPStatusCode, Body: string(reqErr.Body)})
	}
	return fmt.Errorf("OpenAI API call failed: %w", err)
}
