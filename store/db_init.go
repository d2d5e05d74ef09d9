package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/agentmarket/types"
	"gorm.io/gorm"
)

// AutoMigrate 按模型建表，用于开发环境和测试；生产环境使用 internal/migration。
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// notFoundOr 把 gorm.ErrRecordNotFound 翻译为 NOT_FOUND，其他错误视为可重试的存储故障。
func notFoundOr(err error, resource, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewNotFoundError(resource, id)
	}
	return StorageError(err)
}

// StorageError 包装数据库故障为可重试的 SERVICE_UNAVAILABLE。
func StorageError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewError(types.ErrServiceUnavailable, "storage unavailable").
		WithHTTPStatus(503).WithRetryable(true).WithCause(err)
}

// IsUniqueViolation 识别 postgres / mysql / sqlite 的唯一约束冲突。
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "sqlstate 23505")
}
