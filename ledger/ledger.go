package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/agentmarket/conversation"
	"github.com/BaSui01/agentmarket/internal/database"
	"github.com/BaSui01/agentmarket/store"
	"github.com/BaSui01/agentmarket/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrLedgerMismatch 流水之和与缓存余额不一致
var ErrLedgerMismatch = errors.New("ledger mismatch: sum of entries differs from balance")

// 分页限制
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Entry 描述一笔待写入的流水。Amount 为正数，方向由 Debit/Credit 决定。
type Entry struct {
	UserID         string
	Type           store.TransactionType
	Amount         int64
	Description    string
	ReferenceID    string
	IdempotencyKey string
}

// Recorder 接收账本写入结果，internal/metrics.Collector 实现了它。
type Recorder interface {
	RecordLedgerEntry(entryType, outcome string)
}

// 写入结果标签
const (
	OutcomeApplied  = "applied"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
)

type nopRecorder struct{}

func (nopRecorder) RecordLedgerEntry(string, string) {}

// Option 账本选项
type Option func(*Ledger)

// WithRecorder 设置指标记录器
func WithRecorder(r Recorder) Option {
	return func(l *Ledger) {
		if r != nil {
			l.recorder = r
		}
	}
}

// WithRetryPolicy 设置乐观锁冲突时的事务重试策略
func WithRetryPolicy(p database.RetryPolicy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithTransactor 通过连接池管理器执行事务
func WithTransactor(t database.Transactor) Option {
	return func(l *Ledger) {
		if t != nil {
			l.txr = t
		}
	}
}

// Ledger 积分账本
type Ledger struct {
	db       *gorm.DB
	txr      database.Transactor
	inTx     bool
	policy   database.RetryPolicy
	recorder Recorder
	logger   *zap.Logger
}

// New 创建账本
func New(db *gorm.DB, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		db:       db,
		policy:   database.DefaultRetryPolicy(),
		recorder: nopRecorder{},
		logger:   logger.With(zap.String("component", "ledger")),
	}
	l.txr = database.TxRunner{DB: db, Logger: l.logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithTx 返回绑定到外部事务的账本。冲突以 database.ErrRetryTx 返回，
// 由外层事务的重试循环处理。
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	c := *l
	c.db = tx
	c.inTx = true
	return &c
}

// =============================================================================
// 💰 Debit / Credit
// =============================================================================

// Debit 扣减积分；余额不足时返回 INSUFFICIENT_CREDITS{required, available}，不产生任何写入。
func (l *Ledger) Debit(ctx context.Context, e Entry) (*store.Transaction, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	var (
		out      *store.Transaction
		replayed bool
	)
	err := l.run(ctx, func(tx *gorm.DB) error {
		var err error
		out, replayed, err = l.apply(ctx, tx, e, -e.Amount)
		return err
	})
	if err != nil {
		return nil, l.finish(e, err)
	}
	l.committed(e, replayed)
	return out, nil
}

// Credit 无条件增加积分
func (l *Ledger) Credit(ctx context.Context, e Entry) (*store.Transaction, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	var (
		out      *store.Transaction
		replayed bool
	)
	err := l.run(ctx, func(tx *gorm.DB) error {
		var err error
		out, replayed, err = l.apply(ctx, tx, e, e.Amount)
		return err
	})
	if err != nil {
		return nil, l.finish(e, err)
	}
	l.committed(e, replayed)
	return out, nil
}

// RecordUsage 在同一事务中追加助手消息，并在 debit 非空时以消息 ID 为幂等键扣费。
// 同一消息 ID 重放时两行都不会重复写入，返回已有流水。
func (l *Ledger) RecordUsage(ctx context.Context, msg *store.Message, debit *Entry) (*store.Transaction, error) {
	if msg == nil {
		return nil, types.NewValidationError("message is required")
	}
	if msg.ID == "" {
		msg.ID = store.NewID()
	}
	var entry Entry
	if debit != nil {
		entry = *debit
		entry.IdempotencyKey = msg.ID
		if err := validate(entry); err != nil {
			return nil, err
		}
	}

	var (
		out      *store.Transaction
		replayed bool
	)
	err := l.run(ctx, func(tx *gorm.DB) error {
		out, replayed = nil, false
		var existing int64
		if err := tx.WithContext(ctx).Model(&store.Message{}).Where("id = ?", msg.ID).Count(&existing).Error; err != nil {
			return store.StorageError(fmt.Errorf("lookup message: %w", err))
		}
		if existing == 0 {
			if err := conversation.NewStore(tx, l.logger).AppendMessage(ctx, msg); err != nil {
				return err
			}
		}
		if debit == nil {
			return nil
		}
		var err error
		out, replayed, err = l.apply(ctx, tx, entry, -entry.Amount)
		return err
	})
	if err != nil {
		if debit != nil {
			return nil, l.finish(entry, err)
		}
		return nil, wrapTxError(err)
	}
	if debit != nil {
		l.committed(entry, replayed)
	}
	return out, nil
}

// apply 在 tx 内写入一笔带符号的流水；幂等键已存在时返回已有流水且 replayed 为 true。
func (l *Ledger) apply(ctx context.Context, tx *gorm.DB, e Entry, signed int64) (*store.Transaction, bool, error) {
	if e.IdempotencyKey != "" {
		var prior store.Transaction
		err := tx.WithContext(ctx).
			Where("user_id = ? AND type = ? AND idempotency_key = ?", e.UserID, e.Type, e.IdempotencyKey).
			Take(&prior).Error
		if err == nil {
			return &prior, true, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, store.StorageError(fmt.Errorf("lookup entry: %w", err))
		}
	}

	users := store.NewUserRepo(tx)
	balance, version, err := users.GetBalance(ctx, e.UserID)
	if err != nil {
		return nil, false, err
	}
	if signed < 0 && balance < -signed {
		return nil, false, types.NewInsufficientCreditsError(-signed, balance)
	}

	ok, err := users.UpdateBalance(ctx, e.UserID, balance+signed, version)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("balance version %d moved for user %s: %w", version, e.UserID, database.ErrRetryTx)
	}

	t := &store.Transaction{
		UserID:      e.UserID,
		Type:        e.Type,
		Amount:      signed,
		Description: e.Description,
	}
	if e.ReferenceID != "" {
		ref := e.ReferenceID
		t.ReferenceID = &ref
	}
	if e.IdempotencyKey != "" {
		key := e.IdempotencyKey
		t.IdempotencyKey = &key
	}
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		if store.IsUniqueViolation(err) {
			// 并发写入了同一幂等键，重跑后会命中已有流水
			return nil, false, fmt.Errorf("duplicate idempotency key: %w", database.ErrRetryTx)
		}
		return nil, false, store.StorageError(fmt.Errorf("insert entry: %w", err))
	}
	return t, false, nil
}

// run 在事务中执行 fn；已绑定外部事务时直接在其中执行。
func (l *Ledger) run(ctx context.Context, fn database.TransactionFunc) error {
	if l.inTx {
		return fn(l.db)
	}
	return l.txr.WithTransactionRetry(ctx, l.policy, fn)
}

func (l *Ledger) committed(e Entry, replayed bool) {
	if replayed {
		l.recorder.RecordLedgerEntry(string(e.Type), OutcomeReplayed)
		l.logger.Debug("ledger entry replayed",
			zap.String("user_id", e.UserID),
			zap.String("type", string(e.Type)),
			zap.String("idempotency_key", e.IdempotencyKey),
		)
		return
	}
	l.recorder.RecordLedgerEntry(string(e.Type), OutcomeApplied)
}

func (l *Ledger) finish(e Entry, err error) error {
	if _, ok := types.AsInsufficientCredits(err); ok {
		l.recorder.RecordLedgerEntry(string(e.Type), OutcomeRejected)
		l.logger.Info("debit rejected: insufficient credits",
			zap.String("user_id", e.UserID),
			zap.Int64("amount", e.Amount),
		)
		return err
	}
	if l.inTx && errors.Is(err, database.ErrRetryTx) {
		return err
	}
	if err := wrapTxError(err); err != nil {
		l.logger.Warn("ledger write failed",
			zap.String("user_id", e.UserID),
			zap.String("type", string(e.Type)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func wrapTxError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, database.ErrRetryTx) {
		return types.NewError(types.ErrConflict, "ledger contention, retry later").
			WithHTTPStatus(409).WithRetryable(true).WithCause(err)
	}
	return store.StorageError(err)
}

func validate(e Entry) error {
	if e.UserID == "" {
		return types.NewValidationError("user id is required")
	}
	if e.Amount <= 0 {
		return types.NewValidationError("amount must be positive")
	}
	if !e.Type.Valid() {
		return types.NewValidationError(fmt.Sprintf("unknown entry type %q", e.Type))
	}
	return nil
}
