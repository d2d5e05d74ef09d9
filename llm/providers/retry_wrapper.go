package providers

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/BaSui01/agentmarket/llm"
	"github.com/BaSui01/agentmarket/types"
	"go.uber.org/zap"
)

// RetryConfig 上游重试配置
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`
}

// DefaultRetryConfig returns the retry defaults used by the service binary.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryableProvider 在建立连接阶段对可重试错误做指数退避重试。
// 流一旦开始输出就不再重试，避免重复计费的增量。
type RetryableProvider struct {
	inner  llm.Provider
	config RetryConfig
	logger *zap.Logger
}

// NewRetryableProvider wraps inner. MaxRetries <= 0 disables retrying.
func NewRetryableProvider(inner llm.Provider, config RetryConfig, logger *zap.Logger) *RetryableProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	return &RetryableProvider{
		inner:  inner,
		config: config,
		logger: logger.With(zap.String("component", "retry_provider"), zap.String("provider", inner.Name())),
	}
}

var _ llm.Provider = (*RetryableProvider)(nil)

func (p *RetryableProvider) Name() string { return p.inner.Name() }

func (p *RetryableProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return p.inner.HealthCheck(ctx)
}

func (p *RetryableProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return retry(ctx, p, "list_models", func() ([]llm.Model, error) { return p.inner.ListModels(ctx) })
}

// Completion performs a chat completion, retrying transient upstream failures.
func (p *RetryableProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return retry(ctx, p, "completion", func() (*llm.ChatResponse, error) { return p.inner.Completion(ctx, req) })
}

// Stream only retries opening the stream; errors delivered on the channel pass through.
func (p *RetryableProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return retry(ctx, p, "stream", func() (<-chan llm.StreamChunk, error) { return p.inner.Stream(ctx, req) })
}

func retry[T any](ctx context.Context, p *RetryableProvider, op string, fn func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.calculateDelay(attempt)
			p.logger.Debug("retrying upstream call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, lastErr
			case <-timer.C:
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err

		// 调用方已取消或错误不可重试时立即返回
		if ctx.Err() != nil || !types.IsRetryable(err) {
			return zero, err
		}

		p.logger.Warn("upstream call failed, will retry",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	return zero, fmt.Errorf("%s failed after %d retries: %w", op, p.config.MaxRetries, lastErr)
}

func (p *RetryableProvider) calculateDelay(attempt int) time.Duration {
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffFactor, float64(attempt-1))
	if delay > float64(p.config.MaxDelay) {
		delay = float64(p.config.MaxDelay)
	}
	return time.Duration(delay)
}
