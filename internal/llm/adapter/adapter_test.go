package adapter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/metric-investigator/internal/llm/types"
)

func scripted(errs ...error) (Client, *atomic.Int32) {
	var calls atomic.Int32
	return CompleteFunc{
		Provider: "fake",
		ModelID:  "fake-1",
		Fn: func(ctx context.Context, _ []types.Message) (*types.CompletionResponse, error) {
			n := int(calls.Add(1))
			if n <= len(errs) && errs[n-1] != nil {
				return nil, errs[n-1]
			}
			return &types.CompletionResponse{Content: "{}", Usage: types.TokenUsage{PromptTokens: 3, CompletionTokens: 1}}, nil
		},
	}, &calls
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{Provider: ProviderAnthropic})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	c, err := NewClient(Config{Provider: ProviderAnthropic, APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Name())

	c, err = NewClient(Config{Provider: ProviderOpenAI, APIKey: "k", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())
	assert.Equal(t, "gpt-4o-mini", c.Model())

	_, err = NewClient(Config{Provider: "ollama", APIKey: "k"})
	assert.Error(t, err)
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	transient := &types.APIError{Provider: "fake", StatusCode: 503}
	inner, calls := scripted(transient, transient)
	c := Wrap(inner, Retry(3, time.Millisecond))

	resp, err := c.Complete(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "fake", c.Name())
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	permanent := &types.APIError{Provider: "fake", StatusCode: 401}
	inner, calls := scripted(permanent)
	c := Wrap(inner, Retry(5, time.Millisecond))

	_, err := c.Complete(context.Background(), nil)
	var apiErr *types.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetry_Exhausted(t *testing.T) {
	boom := errors.New("connection reset")
	inner, calls := scripted(boom, boom, boom)
	c := Wrap(inner, Retry(3, time.Millisecond))

	_, err := c.Complete(context.Background(), nil)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetry_StopsOnCancel(t *testing.T) {
	inner, calls := scripted(errors.New("timeout"), errors.New("timeout"))
	c := Wrap(inner, Retry(5, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Complete(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimit(t *testing.T) {
	inner, calls := scripted()
	c := Wrap(inner, RateLimit(1000, 1))
	for range 3 {
		_, err := c.Complete(context.Background(), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())

	slow := Wrap(inner, RateLimit(0.001, 1))
	_, err := slow.Complete(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Complete(ctx, nil)
	assert.Error(t, err, "second call must wait beyond the deadline")
}

func TestWrapOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Client) Client {
			return CompleteFunc{Provider: next.Name(), ModelID: next.Model(), Fn: func(ctx context.Context, m []types.Message) (*types.CompletionResponse, error) {
				order = append(order, name)
				return next.Complete(ctx, m)
			}}
		}
	}
	inner, _ := scripted()
	_, err := Wrap(inner, tag("outer"), Instrument(), tag("inner")).Complete(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestRecordUsage(t *testing.T) {
	var got []types.TokenUsage
	sink := func(_ context.Context, provider, model string, usage types.TokenUsage) {
		assert.Equal(t, "fake", provider)
		assert.Equal(t, "fake-1", model)
		got = append(got, usage)
	}

	inner, _ := scripted(errors.New("boom"))
	c := Wrap(inner, RecordUsage(sink))
	_, err := c.Complete(context.Background(), nil)
	require.Error(t, err)
	assert.Empty(t, got, "failed calls report nothing")

	_, err = c.Complete(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].PromptTokens)
}
