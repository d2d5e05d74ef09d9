package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL 结果保留时长
const DefaultTTL = 24 * time.Hour

// pendingMarker 表示同一幂等键的请求正在处理中
const pendingMarker = "__pending__"

// ErrInFlight 同一幂等键的请求尚未完成
var ErrInFlight = errors.New("idempotent request already in flight")

// Manager 幂等性管理器接口
// 调用方带 Idempotency-Key 重试时，直接回放首次成功的结果
type Manager interface {
	// GenerateKey 根据输入生成幂等键
	GenerateKey(inputs ...any) (string, error)

	// Claim 尝试占用幂等键；已有结果或正在处理时返回 false
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Get 获取缓存的结果；处理中返回 ErrInFlight
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Set 存储最终结果，覆盖占用标记
	Set(ctx context.Context, key string, result any, ttl time.Duration) error

	// Release 释放占用（处理失败时调用，允许客户端重试）
	Release(ctx context.Context, key string) error
}

// redisManager 基于 Redis 的幂等性管理器实现
type redisManager struct {
	redis  redis.UniversalClient
	prefix string // Redis key 前缀
	logger *zap.Logger
}

// NewRedisManager 创建基于 Redis 的幂等性管理器
func NewRedisManager(rdb redis.UniversalClient, prefix string, logger *zap.Logger) Manager {
	if prefix == "" {
		prefix = "idempotency:run:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisManager{
		redis:  rdb,
		prefix: prefix,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

// GenerateKey 使用 SHA256 生成幂等键，确保相同输入生成相同的键
func (m *redisManager) GenerateKey(inputs ...any) (string, error) {
	if len(inputs) == 0 {
		return "", errors.New("至少需要一个输入参数")
	}

	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("序列化输入失败: %w", err)
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Claim 实现 Manager.Claim
func (m *redisManager) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := m.redis.SetNX(ctx, m.prefix+key, pendingMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("占用幂等键失败: %w", err)
	}
	m.logger.Debug("幂等键占用", zap.String("key", key), zap.Bool("claimed", ok))
	return ok, nil
}

// Get 实现 Manager.Get
func (m *redisManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := m.redis.Get(ctx, m.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("从 Redis 获取失败: %w", err)
	}
	if string(data) == pendingMarker {
		return nil, false, ErrInFlight
	}

	m.logger.Debug("幂等键命中", zap.String("key", key), zap.Int("data_size", len(data)))
	return data, true, nil
}

// Set 实现 Manager.Set
func (m *redisManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if err := m.redis.Set(ctx, m.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("存储到 Redis 失败: %w", err)
	}

	m.logger.Debug("幂等键已存储", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// Release 只删除占用标记，不会误删已完成的结果
func (m *redisManager) Release(ctx context.Context, key string) error {
	script := redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
	if err := script.Run(ctx, m.redis, []string{m.prefix + key}, pendingMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("释放幂等键失败: %w", err)
	}
	return nil
}
