package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/BaSui01/agentmarket/llm/idempotency"
	"github.com/BaSui01/agentmarket/types"
	"go.uber.org/zap"
)

func inFlightError() error {
	return types.NewError(types.ErrConflict, "a request with this idempotency key is still in progress").
		WithHTTPStatus(409).WithRetryable(true)
}

// withReplay 为带幂等键的 Run 提供结果回放。
// Redis 不可用时降级为普通执行，不影响主流程。
func (o *Orchestrator) withReplay(ctx context.Context, req RunRequest, run func(context.Context) (*RunResult, error)) (*RunResult, error) {
	if o.replays == nil || req.IdempotencyKey == "" {
		return run(ctx)
	}

	key, err := o.replays.GenerateKey(req.UserID, req.AgentID, req.IdempotencyKey)
	if err != nil {
		o.logger.Warn("failed to derive replay key", zap.Error(err))
		return run(ctx)
	}

	if res, ok, err := o.lookupReplay(ctx, key); err != nil || ok {
		return res, err
	}

	claimed, err := o.replays.Claim(ctx, key, o.cfg.ReplayLease)
	if err != nil {
		o.logger.Warn("replay store unavailable, running without replay protection", zap.Error(err))
		return run(ctx)
	}
	if !claimed {
		// 并发请求抢先占用：要么已有结果，要么仍在执行
		if res, ok, err := o.lookupReplay(ctx, key); err != nil || ok {
			return res, err
		}
		return nil, inFlightError()
	}

	res, runErr := run(ctx)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	if runErr != nil {
		if err := o.replays.Release(pctx, key); err != nil {
			o.logger.Warn("failed to release replay key", zap.Error(err))
		}
		return nil, runErr
	}
	if err := o.replays.Set(pctx, key, res, o.cfg.ReplayTTL); err != nil {
		o.logger.Warn("failed to store replay result", zap.Error(err))
	}
	return res, nil
}

func (o *Orchestrator) lookupReplay(ctx context.Context, key string) (*RunResult, bool, error) {
	raw, ok, err := o.replays.Get(ctx, key)
	if errors.Is(err, idempotency.ErrInFlight) {
		return nil, false, inFlightError()
	}
	if err != nil {
		o.logger.Warn("replay lookup failed", zap.Error(err))
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}

	var res RunResult
	if err := json.Unmarshal(raw, &res); err != nil {
		o.logger.Warn("discarding corrupt replay record", zap.Error(err))
		return nil, false, nil
	}
	res.Replayed = true
	return &res, true, nil
}
