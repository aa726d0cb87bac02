package adapter

import (
	"context"

	"github.com/kubilitics/metric-investigator/internal/llm/types"
)

// Package adapter provides a unified interface over the LLM providers.
//
// Responsibilities:
//   - Abstract differences between providers (Anthropic, OpenAI)
//   - Provide a single completion call for the decision oracle and the report drafter
//   - Harden every call with composable middleware: retry with backoff,
//     client-side rate limiting, Prometheus instrumentation
//
// Composition:
//
//	client, _ := adapter.NewClient(cfg)
//	client = adapter.Wrap(client,
//	    adapter.Instrument(),
//	    adapter.Retry(3, 500*time.Millisecond),
//	    adapter.RateLimit(2, 4),
//	)
//
// Middleware listed first is outermost: Instrument sees one call however
// many attempts Retry makes, and every attempt waits on the rate limiter.

// Client is one configured provider and model.
type Client interface {
	// Complete sends messages and returns the completion text.
	Complete(ctx context.Context, messages []types.Message) (*types.CompletionResponse, error)

	// Name is the provider name used in metrics and logs.
	Name() string

	// Model is the model identifier.
	Model() string
}

// Middleware decorates a Client.
type Middleware func(Client) Client

// Wrap applies mws to c; the first middleware is the outermost.
func Wrap(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}

// CompleteFunc adapts a function to Client. Used by middleware and tests.
type CompleteFunc struct {
	Fn       func(ctx context.Context, messages []types.Message) (*types.CompletionResponse, error)
	Provider string
	ModelID  string
}

func (f CompleteFunc) Complete(ctx context.Context, messages []types.Message) (*types.CompletionResponse, error) {
	return f.Fn(ctx, messages)
}

func (f CompleteFunc) Name() string  { return f.Provider }
func (f CompleteFunc) Model() string { return f.ModelID }
