package gateway

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symbi-labs/arena/internal/domain"
	"github.com/symbi-labs/arena/internal/gateway/llmerrors"
	"github.com/symbi-labs/arena/internal/gateway/pricing"
	"github.com/symbi-labs/arena/internal/gateway/providers"
	"github.com/symbi-labs/arena/internal/gateway/retry"
	"github.com/symbi-labs/arena/internal/gateway/transport"
)

func testRegistry() pricing.Registry {
	return pricing.NewRegistry([]pricing.Entry{
		{Provider: "mock", Model: "echo", PromptCostPer1000: 10000, OutputCostPer1000: 10000},
	})
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRequiresPricing(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestClientGeneratesThroughFullChain(t *testing.T) {
	mock := providers.NewMock(providers.MockScript{TokensPerCall: 200})
	client, err := New(Config{
		Pricing: testRegistry(),
		Retry:   fastRetry(),
		Logger:  quietLogger(),
		Core:    mock,
	})
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), &transport.Request{
		Provider: "mock",
		Model:    "echo",
		Prompt:   "compare these variants",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.Content)
	assert.Equal(t, int64(200), resp.Usage.TotalTokens)
	// 200 tokens at 10000 milli-cents per 1k = 2000 milli-cents = 2 cents.
	assert.Equal(t, domain.Cents(2), resp.CostCents)
	assert.Equal(t, 1, mock.Calls())
}

func TestClientRetriesTransientFailures(t *testing.T) {
	mock := providers.NewMock(providers.MockScript{FailuresBeforeSuccess: 2, TokensPerCall: 100})
	client, err := New(Config{
		Pricing: testRegistry(),
		Retry:   fastRetry(),
		Logger:  quietLogger(),
		Core:    mock,
	})
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), &transport.Request{
		Provider: "mock",
		Model:    "echo",
		Prompt:   "flaky call",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
	assert.Equal(t, 3, mock.Calls())
}

func TestClientExhaustsRetries(t *testing.T) {
	mock := providers.NewMock(providers.MockScript{FailuresBeforeSuccess: 10})
	client, err := New(Config{
		Pricing: testRegistry(),
		Retry:   fastRetry(),
		Logger:  quietLogger(),
		Core:    mock,
	})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), &transport.Request{
		Provider: "mock",
		Model:    "echo",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, llmerrors.ErrMaxRetriesExceeded)
	// Initial attempt plus three retries.
	assert.Equal(t, 4, mock.Calls())
}

func TestClientUnknownModelFailsFast(t *testing.T) {
	mock := providers.NewMock(providers.MockScript{})
	client, err := New(Config{
		Pricing: testRegistry(),
		Retry:   fastRetry(),
		Logger:  quietLogger(),
		Core:    mock,
	})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), &transport.Request{
		Provider: "mock",
		Model:    "unpriced",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, llmerrors.ErrPricingUnavailable)
	assert.Equal(t, 0, mock.Calls())
}

func TestClientNilRequest(t *testing.T) {
	client, err := New(Config{
		Pricing: testRegistry(),
		Logger:  quietLogger(),
		Core:    providers.NewMock(providers.MockScript{}),
	})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), nil)
	require.Error(t, err)
}

func TestClientAssignsTraceID(t *testing.T) {
	mock := providers.NewMock(providers.MockScript{})
	client, err := New(Config{
		Pricing: testRegistry(),
		Retry:   fastRetry(),
		Logger:  quietLogger(),
		Core:    mock,
	})
	require.NoError(t, err)

	req := &transport.Request{Provider: "mock", Model: "echo"}
	_, err = client.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, req.TraceID)
}
