package access

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/BaSui01/agentmarket/internal/database"
	"github.com/BaSui01/agentmarket/ledger"
	"github.com/BaSui01/agentmarket/store"
	"github.com/BaSui01/agentmarket/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultCreatorShare 创建者默认分成比例
const DefaultCreatorShare = 0.8

const bpsScale = 10000

// PurchaseRecorder 在购买事务中写入所有权记录。
type PurchaseRecorder interface {
	RecordPurchase(ctx context.Context, tx *gorm.DB, p *store.Purchase) error
}

type gormRecorder struct{}

func (gormRecorder) RecordPurchase(ctx context.Context, tx *gorm.DB, p *store.Purchase) error {
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		if store.IsUniqueViolation(err) {
			return alreadyOwned()
		}
		return store.StorageError(fmt.Errorf("record purchase: %w", err))
	}
	return nil
}

// Config 访问控制配置
type Config struct {
	CreatorShare float64 // 0..1，Agent 未设置 creator_share_bps 时使用
	Retry        database.RetryPolicy
}

// Gate 访问控制与购买
type Gate struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	shareBps int
	policy   database.RetryPolicy
	txr      database.Transactor
	recorder PurchaseRecorder
	logger   *zap.Logger
}

// Option Gate 选项
type Option func(*Gate)

// WithPurchaseRecorder 替换所有权写入实现
func WithPurchaseRecorder(r PurchaseRecorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// WithTransactor 通过连接池管理器执行购买事务
func WithTransactor(t database.Transactor) Option {
	return func(g *Gate) {
		if t != nil {
			g.txr = t
		}
	}
}

// New 创建 Gate
func New(db *gorm.DB, l *ledger.Ledger, cfg Config, logger *zap.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	share := cfg.CreatorShare
	if share <= 0 || share > 1 {
		share = DefaultCreatorShare
	}
	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = database.DefaultRetryPolicy()
	}
	g := &Gate{
		db:       db,
		ledger:   l,
		shareBps: int(math.Round(share * bpsScale)),
		policy:   policy,
		recorder: gormRecorder{},
		logger:   logger.With(zap.String("component", "access_gate")),
	}
	g.txr = database.TxRunner{DB: db, Logger: g.logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckAccess 免费、创建者或已购买返回 true，不产生任何写入。
func (g *Gate) CheckAccess(ctx context.Context, userID, agentID string) (bool, error) {
	agent, err := store.NewAgentRepo(g.db).Get(ctx, agentID)
	if err != nil {
		return false, err
	}
	return g.allowed(ctx, g.db, userID, agent)
}

func (g *Gate) allowed(ctx context.Context, db *gorm.DB, userID string, agent *store.Agent) (bool, error) {
	if agent.Price == 0 || agent.CreatorID == userID {
		return true, nil
	}
	return owns(ctx, db, userID, agent.ID)
}

func owns(ctx context.Context, db *gorm.DB, userID, agentID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&store.Purchase{}).
		Where("user_id = ? AND agent_id = ?", userID, agentID).
		Count(&n).Error
	if err != nil {
		return false, store.StorageError(fmt.Errorf("lookup purchase: %w", err))
	}
	return n > 0, nil
}

// SaleCredit 返回创建者应得的分成：floor(price × share)。
func (g *Gate) SaleCredit(agent *store.Agent) int64 {
	bps := g.shareBps
	if agent.CreatorShareBps != nil && *agent.CreatorShareBps >= 0 && *agent.CreatorShareBps <= bpsScale {
		bps = *agent.CreatorShareBps
	}
	return agent.Price * int64(bps) / bpsScale
}

// Purchase 购买 Agent：扣买方全价、给创建者分成、写所有权记录，全部成功或全部回滚。
func (g *Gate) Purchase(ctx context.Context, userID, agentID string) (*store.Purchase, error) {
	var purchase *store.Purchase

	err := g.txr.WithTransactionRetry(ctx, g.policy, func(tx *gorm.DB) error {
		purchase = nil

		agent, err := store.NewAgentRepo(tx).Get(ctx, agentID)
		if err != nil {
			return err
		}
		if agent.Price <= 0 {
			return types.NewError(types.ErrNotPurchasable, "agent is free and cannot be purchased").
				WithHTTPStatus(400)
		}
		has, err := g.allowed(ctx, tx, userID, agent)
		if err != nil {
			return err
		}
		if has {
			return alreadyOwned()
		}

		txLedger := g.ledger.WithTx(tx)
		if _, err := txLedger.Debit(ctx, ledger.Entry{
			UserID:      userID,
			Type:        store.TxAgentPurchase,
			Amount:      agent.Price,
			Description: "Purchased agent: " + agent.Name,
			ReferenceID: agent.ID,
		}); err != nil {
			return err
		}

		if credit := g.SaleCredit(agent); credit > 0 {
			if _, err := txLedger.Credit(ctx, ledger.Entry{
				UserID:      agent.CreatorID,
				Type:        store.TxAgentSale,
				Amount:      credit,
				Description: "Sale of agent: " + agent.Name,
				ReferenceID: agent.ID,
			}); err != nil {
				return err
			}
		}

		p := &store.Purchase{UserID: userID, AgentID: agent.ID, Price: agent.Price}
		if err := g.recorder.RecordPurchase(ctx, tx, p); err != nil {
			return err
		}
		purchase = p
		return nil
	})
	if err != nil {
		if errors.Is(err, database.ErrRetryTx) {
			return nil, types.NewError(types.ErrConflict, "purchase contention, retry later").
				WithHTTPStatus(409).WithRetryable(true).WithCause(err)
		}
		if _, ok := types.AsError(err); !ok {
			err = store.StorageError(err)
		}
		g.logger.Info("purchase rejected",
			zap.String("user_id", userID),
			zap.String("agent_id", agentID),
			zap.String("code", string(types.GetErrorCode(err))),
		)
		return nil, err
	}

	g.logger.Info("agent purchased",
		zap.String("user_id", userID),
		zap.String("agent_id", agentID),
		zap.Int64("price", purchase.Price),
	)
	return purchase, nil
}

func alreadyOwned() error {
	return types.NewError(types.ErrAlreadyOwned, "agent already owned").WithHTTPStatus(409)
}
