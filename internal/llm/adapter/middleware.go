package adapter

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/kubilitics/metric-investigator/internal/llm/types"
	"github.com/kubilitics/metric-investigator/internal/metrics"
)

// maxBackoff caps a single retry delay.
const maxBackoff = 10 * time.Second

// Retry retries transient failures with exponential backoff and jitter.
// Permanent provider errors and context cancellation are returned at once.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return func(next Client) Client {
		return CompleteFunc{
			Provider: next.Name(),
			ModelID:  next.Model(),
			Fn: func(ctx context.Context, messages []types.Message) (*types.CompletionResponse, error) {
				var lastErr error
				for attempt := 0; attempt < maxAttempts; attempt++ {
					if attempt > 0 {
						metrics.LLMRetries.WithLabelValues(next.Name()).Inc()
						if err := sleep(ctx, backoff(baseDelay, attempt)); err != nil {
							return nil, err
						}
					}
					resp, err := next.Complete(ctx, messages)
					if err == nil {
						return resp, nil
					}
					lastErr = err
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					if types.IsPermanent(err) {
						return nil, err
					}
				}
				return nil, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
			},
		}
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	// up to 20% jitter
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RateLimit blocks each call on a token bucket of rps with the given burst.
// A non-positive rps disables limiting.
func RateLimit(rps float64, burst int) Middleware {
	return func(next Client) Client {
		if rps <= 0 {
			return next
		}
		if burst < 1 {
			burst = 1
		}
		limiter := rate.NewLimiter(rate.Limit(rps), burst)
		return CompleteFunc{
			Provider: next.Name(),
			ModelID:  next.Model(),
			Fn: func(ctx context.Context, messages []types.Message) (*types.CompletionResponse, error) {
				if err := limiter.Wait(ctx); err != nil {
					return nil, fmt.Errorf("rate limit wait: %w", err)
				}
				return next.Complete(ctx, messages)
			},
		}
	}
}

// Instrument records request count, latency and token usage.
func Instrument() Middleware {
	return func(next Client) Client {
		return CompleteFunc{
			Provider: next.Name(),
			ModelID:  next.Model(),
			Fn: func(ctx context.Context, messages []types.Message) (*types.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, messages)
				metrics.LLMRequestDuration.WithLabelValues(next.Name(), next.Model()).Observe(time.Since(start).Seconds())

				status := "success"
				if err != nil {
					status = "error"
				}
				metrics.LLMRequestsTotal.WithLabelValues(next.Name(), next.Model(), status).Inc()
				if resp != nil {
					metrics.LLMTokensUsed.WithLabelValues(next.Name(), next.Model(), "prompt").Add(float64(resp.Usage.PromptTokens))
					metrics.LLMTokensUsed.WithLabelValues(next.Name(), next.Model(), "completion").Add(float64(resp.Usage.CompletionTokens))
				}
				return resp, err
			},
		}
	}
}

// UsageSink receives the token usage of every successful call.
type UsageSink func(ctx context.Context, provider, model string, usage types.TokenUsage)

// RecordUsage reports token usage to sink. A nil sink disables it.
func RecordUsage(sink UsageSink) Middleware {
	return func(next Client) Client {
		if sink == nil {
			return next
		}
		return CompleteFunc{
			Provider: next.Name(),
			ModelID:  next.Model(),
			Fn: func(ctx context.Context, messages []types.Message) (*types.CompletionResponse, error) {
				resp, err := next.Complete(ctx, messages)
				if err == nil && resp != nil {
					sink(ctx, next.Name(), next.Model(), resp.Usage)
				}
				return resp, err
			},
		}
	}
}
