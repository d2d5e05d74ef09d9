package ledger

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentmarket/store"
	"go.uber.org/zap"
)

// Balance 返回用户当前余额
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	balance, _, err := store.NewUserRepo(l.db).GetBalance(ctx, userID)
	return balance, err
}

// Entries 按时间倒序分页返回用户流水
func (l *Ledger) Entries(ctx context.Context, userID string, limit, offset int) ([]store.Transaction, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	var entries []store.Transaction
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, store.StorageError(fmt.Errorf("list entries: %w", err))
	}
	return entries, nil
}

// Verify 校验 sum(流水) == 余额，不一致返回 ErrLedgerMismatch。
func (l *Ledger) Verify(ctx context.Context, userID string) error {
	balance, _, err := store.NewUserRepo(l.db).GetBalance(ctx, userID)
	if err != nil {
		return err
	}

	var sum struct{ Total int64 }
	err = l.db.WithContext(ctx).Model(&store.Transaction{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return store.StorageError(fmt.Errorf("sum entries: %w", err))
	}

	if sum.Total != balance {
		l.logger.Error("ledger mismatch",
			zap.String("user_id", userID),
			zap.Int64("balance", balance),
			zap.Int64("sum", sum.Total),
		)
		return fmt.Errorf("%w: user %s balance %d, entries %d", ErrLedgerMismatch, userID, balance, sum.Total)
	}
	return nil
}
