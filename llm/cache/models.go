package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/agentmarket/llm"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultModelsTTL 模型列表缓存时长。
const DefaultModelsTTL = 24 * time.Hour

// modelsFetchTimeout 合并后的上游调用不随任何单个调用方取消，只受这个时限约束
const modelsFetchTimeout = 30 * time.Second

// ModelLister 由 llm.Provider 满足。
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.Model, error)
}

// ModelCatalog 在固定键下缓存上游模型列表，不受补全跳过策略影响。
type ModelCatalog struct {
	source ModelLister
	cache  *MultiLevelCache
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// NewModelCatalog creates a catalog; ttl <= 0 falls back to DefaultModelsTTL.
func NewModelCatalog(source ModelLister, cache *MultiLevelCache, ttl time.Duration, logger *zap.Logger) *ModelCatalog {
	if ttl <= 0 {
		ttl = DefaultModelsTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelCatalog{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "model_catalog")),
	}
}

// List returns the cached listing, fetching from upstream on a miss.
// 并发的未命中请求合并为一次上游调用；调用方取消只影响它自己的等待。
func (m *ModelCatalog) List(ctx context.Context) ([]llm.Model, error) {
	if data, ok := m.cache.getRaw(ctx, ModelsKey); ok {
		var models []llm.Model
		if err := json.Unmarshal(data, &models); err == nil {
			m.cache.metrics.RecordCacheHit("models")
			return models, nil
		}
	}
	m.cache.metrics.RecordCacheMiss("models")

	ch := m.group.DoChan(ModelsKey, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), modelsFetchTimeout)
		defer cancel()

		models, err := m.source.ListModels(fetchCtx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(models)
		if err == nil {
			m.cache.putRaw(fetchCtx, ModelsKey, data, m.ttl)
		}
		m.logger.Debug("model listing refreshed", zap.Int("count", len(models)))
		return models, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]llm.Model), nil
	}
}
