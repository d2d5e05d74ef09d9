package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/agentmarket/llm"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Entry 是一条缓存的补全结果。
type Entry struct {
	Content   string        `json:"content"`
	Model     string        `json:"model"`
	Usage     llm.ChatUsage `json:"usage"`
	CreatedAt time.Time     `json:"created_at"`
}

// CompletionCache 是编排器依赖的最小缓存接口。Get/Put 都不返回错误：
// 缓存不可用时等价于未命中。
type CompletionCache interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Put(ctx context.Context, key string, entry *Entry, ttl time.Duration)
}

// Recorder 接收缓存命中/未命中/故障计数，internal/metrics.Collector 实现了它。
type Recorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
	RecordCacheError(operation string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheHit(string)   {}
func (nopRecorder) RecordCacheMiss(string)  {}
func (nopRecorder) RecordCacheError(string) {}

// Config 缓存配置
type Config struct {
	LocalMaxSize int           // 本地缓存最大条目数
	LocalTTL     time.Duration // 本地条目存活上限
	EnableLocal  bool          // 是否启用本地缓存
	EnableRedis  bool          // 是否启用 Redis 缓存
	OpTimeout    time.Duration // 单次 Redis 操作超时
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		LocalMaxSize: 1000,
		LocalTTL:     5 * time.Minute,
		EnableLocal:  true,
		EnableRedis:  true,
		OpTimeout:    200 * time.Millisecond,
	}
}

// MultiLevelCache 多级缓存实现：本地 LRU 作为 L1、Redis 作为 L2。
type MultiLevelCache struct {
	local   *LRUCache
	redis   redis.UniversalClient
	config  Config
	metrics Recorder
	logger  *zap.Logger
}

// Option customizes a MultiLevelCache.
type Option func(*MultiLevelCache)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *MultiLevelCache) {
		if r != nil {
			c.metrics = r
		}
	}
}

// NewMultiLevelCache 创建多级缓存。rdb 可以为 nil（仅本地缓存）。
func NewMultiLevelCache(rdb redis.UniversalClient, config Config, logger *zap.Logger, opts ...Option) *MultiLevelCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 200 * time.Millisecond
	}

	c := &MultiLevelCache{
		redis:   rdb,
		config:  config,
		metrics: nopRecorder{},
		logger:  logger.With(zap.String("component", "completion_cache")),
	}
	if config.EnableLocal {
		c.local = NewLRUCache(config.LocalMaxSize, config.LocalTTL)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MultiLevelCache) redisEnabled() bool {
	return c.config.EnableRedis && c.redis != nil
}

// Get 获取缓存；任何故障都按未命中处理。
func (c *MultiLevelCache) Get(ctx context.Context, key string) (*Entry, bool) {
	data, ok := c.getRaw(ctx, key)
	if !ok {
		c.metrics.RecordCacheMiss("completion")
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("corrupt cache entry, treating as miss", zap.String("key", key), zap.Error(err))
		c.metrics.RecordCacheError("decode")
		c.metrics.RecordCacheMiss("completion")
		return nil, false
	}
	c.metrics.RecordCacheHit("completion")
	return &entry, true
}

// Put 写入缓存（write-once）；失败只记录日志。
func (c *MultiLevelCache) Put(ctx context.Context, key string, entry *Entry, ttl time.Duration) {
	if entry == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("encode cache entry failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.putRaw(ctx, key, data, ttl)
}

func (c *MultiLevelCache) getRaw(ctx context.Context, key string) ([]byte, bool) {
	// 1. 查本地缓存
	if c.local != nil {
		if data, ok := c.local.Get(key); ok {
			c.logger.Debug("local cache hit", zap.String("key", key))
			return data, true
		}
	}

	// 2. 查 Redis 缓存
	if !c.redisEnabled() {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, c.config.OpTimeout)
	defer cancel()

	data, err := c.redis.Get(opCtx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error, degrading to miss", zap.String("key", key), zap.Error(err))
			c.metrics.RecordCacheError("get")
		}
		return nil, false
	}

	// 回填本地缓存，剩余 TTL 未知时由 LocalTTL 兜底
	if c.local != nil {
		c.local.SetIfAbsent(key, data, c.config.LocalTTL)
	}
	c.logger.Debug("redis cache hit", zap.String("key", key))
	return data, true
}

func (c *MultiLevelCache) putRaw(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if c.local != nil {
		c.local.SetIfAbsent(key, data, ttl)
	}
	if !c.redisEnabled() {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.config.OpTimeout)
	defer cancel()

	written, err := c.redis.SetNX(opCtx, key, data, ttl).Result()
	if err != nil {
		c.logger.Warn("redis set error, entry not cached", zap.String("key", key), zap.Error(err))
		c.metrics.RecordCacheError("put")
		return
	}
	c.logger.Debug("cache put", zap.String("key", key), zap.Bool("written", written))
}
