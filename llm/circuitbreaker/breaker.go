package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/agentmarket/types"
	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常放行
	StateClosed State = iota
	// StateOpen 熔断中，直接拒绝
	StateOpen
	// StateHalfOpen 试探性放行少量请求
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值，达到后打开
	Threshold int

	// ResetTimeout 打开后等待多久进入半开
	ResetTimeout time.Duration

	// HalfOpenMaxCalls 半开状态下同时放行的试探请求数
	HalfOpenMaxCalls int

	// OnStateChange 状态变更回调，在持锁之外同步调用
	OnStateChange func(from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// ErrCircuitOpen 熔断器打开或半开名额已满
var ErrCircuitOpen = errors.New("circuit breaker is open")

// =============================================================================
// 🔌 Breaker
// =============================================================================

// Breaker 按连续失败次数熔断上游调用。
// 只有可重试的上游错误（5xx、429、超时、连接失败）计为失败；
// 请求本身的错误和调用方取消不影响熔断状态。
type Breaker struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	halfOpenCalls int
}

// New 创建熔断器，非法参数回退到默认值
func New(config Config, logger *zap.Logger) *Breaker {
	d := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = d.Threshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = d.ResetTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		now:    time.Now,
	}
}

// Allow 在调用前检查是否放行。放行后必须调用 Done 报告结果。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var from, to State
	changed := false
	defer func() {
		b.mu.Unlock()
		if changed {
			b.notify(from, to)
		}
	}()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.ResetTimeout {
			return ErrCircuitOpen
		}
		from, to, changed = b.state, StateHalfOpen, true
		b.state = StateHalfOpen
		b.halfOpenCalls = 1
		return nil
	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.halfOpenCalls++
		return nil
	default:
		return nil
	}
}

// Done 报告一次放行调用的结果。ctx 为调用所用的 context。
func (b *Breaker) Done(ctx context.Context, err error) {
	failed := countsAsFailure(ctx, err)

	b.mu.Lock()
	from := b.state
	switch {
	case !failed:
		b.failures = 0
		if b.state == StateHalfOpen {
			b.halfOpenCalls--
			if err == nil {
				b.state = StateClosed
				b.halfOpenCalls = 0
			}
		}
	case b.state == StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.halfOpenCalls = 0
	default:
		b.failures++
		if b.state == StateClosed && b.failures >= b.config.Threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		b.logger.Warn("circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Int("consecutive_failures", failures),
			zap.Error(err),
		)
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to)
	}
}

// State 当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 手动恢复到关闭状态
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.halfOpenCalls = 0
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

// Execute 在熔断器保护下执行 fn
func Execute[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	v, err := fn()
	b.Done(ctx, err)
	return v, err
}

func countsAsFailure(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	// 调用方取消不算失败；超过上游时限算失败
	if errors.Is(ctx.Err(), context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return types.IsRetryable(err)
}
