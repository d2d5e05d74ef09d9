package providers

import (
	"context"
	"errors"

	"github.com/BaSui01/agentmarket/llm"
	"github.com/BaSui01/agentmarket/llm/circuitbreaker"
	"github.com/BaSui01/agentmarket/types"
)

// BreakerProvider 在熔断器打开时直接拒绝补全请求，避免上游故障期间请求堆积。
// 流式调用只以建立连接的结果计入熔断；流中途的错误由编排器处理。
type BreakerProvider struct {
	inner   llm.Provider
	breaker *circuitbreaker.Breaker
}

// NewBreakerProvider wraps inner with b.
func NewBreakerProvider(inner llm.Provider, b *circuitbreaker.Breaker) *BreakerProvider {
	return &BreakerProvider{inner: inner, breaker: b}
}

var _ llm.Provider = (*BreakerProvider)(nil)

func (p *BreakerProvider) Name() string { return p.inner.Name() }

func (p *BreakerProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return p.inner.HealthCheck(ctx)
}

// ListModels 不经过熔断器，模型列表有独立缓存
func (p *BreakerProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return p.inner.ListModels(ctx)
}

func (p *BreakerProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := circuitbreaker.Execute(ctx, p.breaker, func() (*llm.ChatResponse, error) {
		return p.inner.Completion(ctx, req)
	})
	return resp, p.mapOpen(err)
}

func (p *BreakerProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch, err := circuitbreaker.Execute(ctx, p.breaker, func() (<-chan llm.StreamChunk, error) {
		return p.inner.Stream(ctx, req)
	})
	return ch, p.mapOpen(err)
}

func (p *BreakerProvider) mapOpen(err error) error {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return types.NewError(types.ErrServiceUnavailable, "upstream temporarily unavailable").
			WithCause(err).
			WithRetryable(true).
			WithProvider(p.inner.Name())
	}
	return err
}
