package types

import (
	"errors"
	"fmt"
	"net/http"
)

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`    // user, assistant, system
	Content string `json:"content"` // message text
}

// Roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionResponse represents a completion response
type CompletionResponse struct {
	Content    string     `json:"content"`     // generated text
	Model      string     `json:"model"`       // model that served the call
	StopReason string     `json:"stop_reason"` // provider stop/finish reason
	Usage      TokenUsage `json:"usage"`       // token usage
}

// TokenUsage tracks token usage
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`     // input tokens
	CompletionTokens int `json:"completion_tokens"` // output tokens
	TotalTokens      int `json:"total_tokens"`      // total tokens
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
// 4xx responses are permanent except request timeouts and rate limits.
func (e *APIError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err wraps a permanent provider error.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Permanent()
}

// EstimateTokens approximates the token count of text at four characters
// per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
