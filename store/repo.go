package store

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentmarket/types"
	"gorm.io/gorm"
)

// =============================================================================
// 🎯 AgentRepo
// =============================================================================

type AgentRepo struct {
	db *gorm.DB
}

func NewAgentRepo(db *gorm.DB) *AgentRepo {
	return &AgentRepo{db: db}
}

// WithTx returns a repo bound to tx.
func (r *AgentRepo) WithTx(tx *gorm.DB) *AgentRepo {
	return &AgentRepo{db: tx}
}

func (r *AgentRepo) Create(ctx context.Context, agent *Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return StorageError(fmt.Errorf("create agent: %w", err))
	}
	return nil
}

func (r *AgentRepo) Get(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&agent).Error; err != nil {
		return nil, notFoundOr(err, "agent", id)
	}
	return &agent, nil
}

// IncrementUsage 原子地把 usage_count 加一。
func (r *AgentRepo) IncrementUsage(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", id).
		UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1))
	if res.Error != nil {
		return StorageError(fmt.Errorf("increment usage: %w", res.Error))
	}
	if res.RowsAffected == 0 {
		return types.NewNotFoundError("agent", id)
	}
	return nil
}

// =============================================================================
// 🎯 UserRepo
// =============================================================================

type UserRepo struct {
	db *gorm.DB
}

func NewUserRepo(db *gorm.DB) *UserRepo {
	return &UserRepo{db: db}
}

// WithTx returns a repo bound to tx.
func (r *UserRepo) WithTx(tx *gorm.DB) *UserRepo {
	return &UserRepo{db: tx}
}

func (r *UserRepo) Create(ctx context.Context, user *User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return StorageError(fmt.Errorf("create user: %w", err))
	}
	return nil
}

func (r *UserRepo) Get(ctx context.Context, id string) (*User, error) {
	var user User
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error; err != nil {
		return nil, notFoundOr(err, "user", id)
	}
	return &user, nil
}

// GetBalance 返回余额与当前版本号。
func (r *UserRepo) GetBalance(ctx context.Context, id string) (balance int64, version int64, err error) {
	user, err := r.Get(ctx, id)
	if err != nil {
		return 0, 0, err
	}
	return user.Credits, user.Version, nil
}

// UpdateBalance 仅当版本号仍为 expectedVersion 时写入新余额并递增版本；
// 返回 false 表示期间有并发写入，调用方应重读后重试。
func (r *UserRepo) UpdateBalance(ctx context.Context, id string, newBalance, expectedVersion int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&User{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		UpdateColumns(map[string]any{
			"credits": newBalance,
			"version": gorm.Expr("version + ?", 1),
		})
	if res.Error != nil {
		return false, StorageError(fmt.Errorf("update balance: %w", res.Error))
	}
	return res.RowsAffected == 1, nil
}
