package anthropic

// Package anthropic calls the Anthropic Messages API over plain HTTP.
//
// Only single-turn, non-streaming completions are used: the decision oracle
// and the report drafter each send one system prompt plus one user message
// and expect a JSON object back.
//
// Configuration:
//   - api key: required, falls back to ANTHROPIC_API_KEY
//   - model: defaults to claude-3-5-sonnet-20241022
//   - base url: defaults to https://api.anthropic.com/v1 (override for proxies and tests)
//
// Non-2xx responses are returned as *types.APIError so the retry middleware
// can tell permanent failures from transient ones.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kubilitics/metric-investigator/internal/llm/types"
)

// Anthropic API constants
const (
	ProviderName      = "anthropic"
	DefaultBaseURL    = "https://api.anthropic.com/v1"
	DefaultModel      = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens  = 2048
	DefaultAPIVersion = "2023-06-01"
	DefaultTimeout    = 120 * time.Second
)

// Config configures a Client.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// Client implements the Anthropic provider
type Client struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

// anthMessage represents an Anthropic API message
type anthMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block of message content. Only text blocks are sent
// and read.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// anthRequest represents an Anthropic API request
type anthRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []anthMessage `json:"messages"`
	System    string        `json:"system,omitempty"`
}

// anthResponse represents an Anthropic API response
type anthResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthUsage      `json:"usage"`
}

// anthUsage tracks token usage
type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewClient creates a new Anthropic client
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
		}
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

func (c *Client) Name() string  { return ProviderName }
func (c *Client) Model() string { return c.model }

// Complete sends messages and returns the concatenated text blocks.
func (c *Client) Complete(ctx context.Context, messages []types.Message) (*types.CompletionResponse, error) {
	system, filtered := extractSystem(messages)
	if len(filtered) == 0 {
		return nil, fmt.Errorf("at least one non-system message is required")
	}

	resp, err := c.makeRequest(ctx, anthRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  convertMessages(filtered),
		System:    system,
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &types.CompletionResponse{
		Content:    text.String(),
		Model:      resp.Model,
		StopReason: resp.StopReason,
		Usage: types.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// extractSystem pulls out system messages and returns them joined,
// along with the remaining messages (Anthropic requires system as a top-level field).
func extractSystem(messages []types.Message) (string, []types.Message) {
	var system []string
	filtered := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == types.RoleSystem {
			system = append(system, m.Content)
		} else {
			filtered = append(filtered, m)
		}
	}
	return strings.Join(system, "\n\n"), filtered
}

// convertMessages converts []types.Message to Anthropic anthMessage format
func convertMessages(messages []types.Message) []anthMessage {
	result := make([]anthMessage, 0, len(messages))
	for _, m := range messages {
		result = append(result, anthMessage{
			Role: m.Role,
			Content: []ContentBlock{
				{Type: "text", Text: m.Content},
			},
		})
	}
	return result
}

// makeRequest makes a non-streaming HTTP request to the Anthropic API
func (c *Client) makeRequest(ctx context.Context, req anthRequest) (*anthResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", DefaultAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &types.APIError{Provider: ProviderName, StatusCode: httpResp.StatusCode, Body: string(body)}
	}

	var resp anthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &resp, nil
}
