package database

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🔄 事务管理
// =============================================================================

// ErrRetryTx 由事务函数返回，表示乐观锁冲突等情况，整个事务应当重跑。
var ErrRetryTx = errors.New("transaction conflict, retry")

// TransactionFunc 事务函数类型
type TransactionFunc func(tx *gorm.DB) error

// RetryPolicy 事务重试策略
type RetryPolicy struct {
	MaxAttempts int           // 总尝试次数（含首次）
	BaseBackoff time.Duration // 第 n 次重试前等待 BaseBackoff * 2^(n-1)，附加至多 50% 抖动
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy 默认重试策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  200 * time.Millisecond,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseBackoff << uint(attempt)
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		d = p.MaxBackoff
	}
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

// Transactor 执行带重试的事务，*PoolManager 实现了它
type Transactor interface {
	WithTransactionRetry(ctx context.Context, policy RetryPolicy, fn TransactionFunc) error
}

// TxRunner 直接在 *gorm.DB 上执行事务，供没有 PoolManager 的场景使用
type TxRunner struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// WithTransactionRetry 实现 Transactor
func (r TxRunner) WithTransactionRetry(ctx context.Context, policy RetryPolicy, fn TransactionFunc) error {
	return RunInTx(ctx, r.DB, policy, r.Logger, fn)
}

// RunInTx 在事务中执行 fn；fn 返回可重试错误时回滚并重跑整个事务。
func RunInTx(ctx context.Context, db *gorm.DB, policy RetryPolicy, logger *zap.Logger, fn TransactionFunc) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err := db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return err
		}

		logger.Debug("transaction failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Error(err),
		)

		if attempt == policy.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.backoff(attempt)):
		}
	}

	return fmt.Errorf("transaction failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}

// IsRetryableError 判断错误是否可通过重跑事务解决
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetryTx) {
		return true
	}

	errMsg := strings.ToLower(err.Error())

	// 死锁
	if strings.Contains(errMsg, "deadlock") {
		return true
	}

	// 序列化失败（PostgreSQL SQLSTATE 40001）
	if strings.Contains(errMsg, "serialization failure") || strings.Contains(errMsg, "40001") {
		return true
	}

	// 锁等待
	if strings.Contains(errMsg, "lock timeout") ||
		strings.Contains(errMsg, "lock wait timeout") ||
		strings.Contains(errMsg, "database is locked") ||
		strings.Contains(errMsg, "sqlite_busy") {
		return true
	}

	// 连接相关错误
	if strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "bad connection") {
		return true
	}

	return false
}
