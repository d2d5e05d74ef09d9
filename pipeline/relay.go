package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentmarket/llm"
	"github.com/BaSui01/agentmarket/llm/cache"
	"github.com/BaSui01/agentmarket/types"
	"go.uber.org/zap"
)

// RelayResult 一次完整流式调用的累积结果
type RelayResult struct {
	Content      string
	Model        string
	Usage        llm.ChatUsage
	FinishReason string
	Frames       int
}

// Relay 把上游流式补全逐帧转发给 sink，并在完整结束后异步写入缓存。
type Relay struct {
	provider llm.Provider
	cache    cache.CompletionCache
	cacheTTL time.Duration
	timeout  time.Duration
	metrics  Recorder
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewRelay 创建 Relay；timeout 为 0 时只受调用方上下文约束。
func NewRelay(provider llm.Provider, c cache.CompletionCache, cacheTTL, timeout time.Duration, metrics Recorder, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopRecorder{}
	}
	return &Relay{
		provider: provider,
		cache:    c,
		cacheTTL: cacheTTL,
		timeout:  timeout,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "stream_relay")),
	}
}

// Relay 打开流式调用并转发每一帧。
//
//   - sink 返回错误或 ctx 被取消：立即取消上游，丢弃已累积内容，返回 ErrConsumerGone。
//   - 上游中途报错：返回该错误，已累积内容不缓存。
//   - 正常结束且 cacheable：以 stream=false 推导的键异步写入缓存。
func (r *Relay) Relay(ctx context.Context, req *llm.ChatRequest, cacheable bool, sink Sink) (*RelayResult, error) {
	upstreamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.timeout > 0 {
		upstreamCtx, cancel = context.WithTimeout(upstreamCtx, r.timeout)
		defer cancel()
	}

	streamReq := req.Clone()
	streamReq.Stream = true

	start := time.Now()
	ch, err := r.provider.Stream(upstreamCtx, streamReq)
	if err != nil {
		r.metrics.RecordLLMRequest(r.provider.Name(), req.Model, "error", time.Since(start), 0, 0)
		return nil, upstreamError(ctx, r.provider.Name(), err)
	}

	var (
		buf strings.Builder
		res RelayResult
	)
	for {
		var (
			chunk llm.StreamChunk
			ok    bool
		)
		select {
		case <-ctx.Done():
			r.logger.Debug("consumer context cancelled, tearing down upstream", zap.Int("frames", res.Frames))
			return nil, fmt.Errorf("%w: %v", ErrConsumerGone, ctx.Err())
		case chunk, ok = <-ch:
		}
		if !ok {
			break
		}

		if chunk.Err != nil {
			r.metrics.RecordLLMRequest(r.provider.Name(), req.Model, "error", time.Since(start), 0, 0)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrConsumerGone, ctx.Err())
			}
			return nil, chunk.Err
		}
		if res.Model == "" && chunk.Model != "" {
			res.Model = chunk.Model
		}
		if chunk.Usage != nil {
			res.Usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			res.FinishReason = chunk.FinishReason
		}
		if chunk.Delta == "" {
			continue
		}

		buf.WriteString(chunk.Delta)
		res.Frames++
		if err := sink(Event{Type: EventDelta, Delta: chunk.Delta}); err != nil {
			cancel()
			r.logger.Debug("sink rejected frame, tearing down upstream",
				zap.Int("frames", res.Frames),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: %v", ErrConsumerGone, err)
		}
	}

	// 上游在超时后关闭通道而没有发送错误块
	if err := upstreamCtx.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrConsumerGone, ctx.Err())
		}
		r.metrics.RecordLLMRequest(r.provider.Name(), req.Model, "timeout", time.Since(start), 0, 0)
		return nil, upstreamError(ctx, r.provider.Name(), err)
	}

	res.Content = buf.String()
	if res.Model == "" {
		res.Model = req.Model
	}
	r.metrics.RecordLLMRequest(r.provider.Name(), res.Model, "success", time.Since(start),
		res.Usage.PromptTokens, res.Usage.CompletionTokens)

	if cacheable && res.Content != "" {
		keyReq := req.Clone()
		keyReq.Stream = false
		r.storeAsync(cache.KeyOf(keyReq), &cache.Entry{
			Content:   res.Content,
			Model:     res.Model,
			Usage:     res.Usage,
			CreatedAt: time.Now(),
		})
	}
	return &res, nil
}

// storeAsync 在后台写缓存，不阻塞响应；Wait 可等待写入完成。
func (r *Relay) storeAsync(key string, entry *cache.Entry) {
	if r.cache == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.cache.Put(ctx, key, entry, r.cacheTTL)
	}()
}

// Wait 等待所有后台缓存写入完成
func (r *Relay) Wait() {
	r.wg.Wait()
}

// upstreamError 把 provider 错误统一为 *types.Error
func upstreamError(ctx context.Context, provider string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return types.NewError(types.ErrUpstreamTimeout, "upstream provider timed out").
			WithHTTPStatus(504).WithRetryable(true).WithProvider(provider).WithCause(err)
	}
	return types.NewUpstreamError(provider, err.Error(), true).WithCause(err)
}
