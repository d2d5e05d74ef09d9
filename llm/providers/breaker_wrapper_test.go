package providers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/BaSui01/agentmarket/llm"
	"github.com/BaSui01/agentmarket/llm/circuitbreaker"
	"github.com/BaSui01/agentmarket/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBreakerProvider_OpensOnUpstreamFailures(t *testing.T) {
	inner := &flakyProvider{failures: 100, err: MapHTTPError(http.StatusBadGateway, "down", "flaky")}
	b := circuitbreaker.New(circuitbreaker.Config{Threshold: 2, ResetTimeout: time.Hour}, zap.NewNop())
	p := NewBreakerProvider(inner, b)

	for range 2 {
		_, err := p.Completion(context.Background(), &llm.ChatRequest{Model: "m"})
		require.Error(t, err)
	}
	require.Equal(t, circuitbreaker.StateOpen, b.State())

	_, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, types.ErrServiceUnavailable, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, 2, inner.calls, "open breaker must not reach upstream")

	// 模型列表不受熔断影响
	inner.failures = 0
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 1)
}

func TestBreakerProvider_PermanentErrorsDoNotTrip(t *testing.T) {
	inner := &flakyProvider{failures: 5, err: MapHTTPError(http.StatusBadRequest, "bad model", "flaky")}
	b := circuitbreaker.New(circuitbreaker.Config{Threshold: 1}, zap.NewNop())
	p := NewBreakerProvider(inner, b)

	for range 3 {
		_, err := p.Completion(context.Background(), &llm.ChatRequest{Model: "m"})
		require.Error(t, err)
		assert.Equal(t, types.ErrUpstreamError, types.GetErrorCode(err))
	}
	assert.Equal(t, circuitbreaker.StateClosed, b.State())
}
