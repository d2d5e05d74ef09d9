package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BaSui01/agentmarket/conversation"
	"github.com/BaSui01/agentmarket/ledger"
	"github.com/BaSui01/agentmarket/llm"
	"github.com/BaSui01/agentmarket/llm/cache"
	"github.com/BaSui01/agentmarket/llm/idempotency"
	"github.com/BaSui01/agentmarket/store"
	"github.com/BaSui01/agentmarket/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/BaSui01/agentmarket/pipeline"

// 持久化的失败/取消标记消息
const (
	FailureMessagePrefix = "[error] "
	CancelledMessage     = "[cancelled] the client disconnected before the response completed"
)

// =============================================================================
// ⚙️ 配置
// =============================================================================

// Config 编排器配置
type Config struct {
	HistoryLimit      int           // 拼装上下文时读取的最近消息条数
	HistoryTokenLimit int           // 上下文 token 上限，超出时从最早的历史开始丢弃；0 表示不限
	MaxInputChars     int           // 单次输入最大字符数
	ProviderTimeout   time.Duration // 单次上游调用超时
	CacheTTL          time.Duration // 补全缓存 TTL
	ReplayTTL         time.Duration // 幂等回放结果保留时长
	ReplayLease       time.Duration // 执行中占用标记的租期；为 0 时取 ProviderTimeout + PersistTimeout
	PersistTimeout    time.Duration // 失败消息落库超时（脱离调用方取消）
	Rates             Rates
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		HistoryLimit:      10,
		HistoryTokenLimit: 8000,
		MaxInputChars:     32000,
		ProviderTimeout:   2 * time.Minute,
		CacheTTL:          time.Hour,
		ReplayTTL:         idempotency.DefaultTTL,
		PersistTimeout:    5 * time.Second,
		Rates:             DefaultRates(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.HistoryTokenLimit < 0 {
		c.HistoryTokenLimit = 0
	}
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = d.MaxInputChars
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = d.ProviderTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.ReplayTTL <= 0 {
		c.ReplayTTL = d.ReplayTTL
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	// 进程在占用后崩溃时，标记最多阻塞同一幂等键一个租期
	if c.ReplayLease <= 0 {
		c.ReplayLease = c.ProviderTimeout + c.PersistTimeout
	}
	if c.Rates.Default <= 0 && len(c.Rates.Table) == 0 {
		c.Rates = d.Rates
	}
	return c
}

// Deps 编排器的全部协作者，通过构造函数显式注入。
// Replays、Tokens、Metrics、Tracer、Meter、Logger 可以为空。
type Deps struct {
	Agents        AgentStore
	Users         UserStore
	Conversations ConversationStore
	Access        AccessChecker
	Ledger        UsageLedger
	Cache         cache.CompletionCache
	Provider      llm.Provider
	Replays       idempotency.Manager
	Tokens        TokenizerSource
	Metrics       Recorder
	Tracer        trace.Tracer
	Meter         metric.Meter
	Logger        *zap.Logger
}

// =============================================================================
// 📦 请求与结果
// =============================================================================

// RunRequest 一次运行的输入
type RunRequest struct {
	UserID         string
	AgentID        string
	Input          string
	ConversationID string
	SkipCache      bool
	CacheKey       string
	IdempotencyKey string
}

// RunResult 一次运行的输出
type RunResult struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	TokensUsed     int    `json:"tokens_used"`
	Cost           int64  `json:"cost"`
	Model          string `json:"model"`
	Cached         bool   `json:"cached"`
	Replayed       bool   `json:"replayed,omitempty"`
}

// =============================================================================
// 🎯 Orchestrator
// =============================================================================

// Orchestrator 串联访问控制、会话、缓存、上游调用与计费。
type Orchestrator struct {
	agents        AgentStore
	users         UserStore
	conversations ConversationStore
	access        AccessChecker
	ledger        UsageLedger
	cache         cache.CompletionCache
	provider      llm.Provider
	replays       idempotency.Manager
	tokens        TokenizerSource
	relay         *Relay
	metrics       Recorder
	tracer        trace.Tracer
	tokenCounter  metric.Int64Counter
	cfg           Config
	logger        *zap.Logger
}

// New 创建编排器
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Agents == nil:
		return nil, errors.New("pipeline: agent store is required")
	case deps.Users == nil:
		return nil, errors.New("pipeline: user store is required")
	case deps.Conversations == nil:
		return nil, errors.New("pipeline: conversation store is required")
	case deps.Access == nil:
		return nil, errors.New("pipeline: access checker is required")
	case deps.Ledger == nil:
		return nil, errors.New("pipeline: ledger is required")
	case deps.Cache == nil:
		return nil, errors.New("pipeline: completion cache is required")
	case deps.Provider == nil:
		return nil, errors.New("pipeline: provider is required")
	}

	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NopRecorder{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	tokenCounter, err := meter.Int64Counter("agentmarket.pipeline.tokens",
		metric.WithDescription("Tokens consumed by agent runs"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create token counter: %w", err)
	}

	logger = logger.With(zap.String("component", "orchestrator"))
	return &Orchestrator{
		agents:        deps.Agents,
		users:         deps.Users,
		conversations: deps.Conversations,
		access:        deps.Access,
		ledger:        deps.Ledger,
		cache:         deps.Cache,
		provider:      deps.Provider,
		replays:       deps.Replays,
		tokens:        deps.Tokens,
		relay:         NewRelay(deps.Provider, deps.Cache, cfg.CacheTTL, cfg.ProviderTimeout, metrics, logger),
		metrics:       metrics,
		tracer:        tracer,
		tokenCounter:  tokenCounter,
		cfg:           cfg,
		logger:        logger,
	}, nil
}

// Wait 等待后台缓存写入完成，用于测试与优雅关闭
func (o *Orchestrator) Wait() {
	o.relay.Wait()
}

// Run 执行一次非流式运行。带 IdempotencyKey 且已有结果时直接回放，不产生任何写入。
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("agent.id", req.AgentID),
	))
	defer span.End()

	start := time.Now()
	res, err := o.withReplay(ctx, req, func(ctx context.Context) (*RunResult, error) {
		return o.execute(ctx, req, nil)
	})
	o.finish(ctx, span, "run", res, err, start)
	return res, err
}

// Stream 执行一次流式运行。成功时以 done 帧结束；除消费方断开外的失败以 error 帧结束。
func (o *Orchestrator) Stream(ctx context.Context, req RunRequest, sink Sink) (*RunResult, error) {
	if sink == nil {
		return nil, types.NewValidationError("stream sink is required")
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.stream", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("agent.id", req.AgentID),
	))
	defer span.End()

	start := time.Now()
	res, err := o.execute(ctx, req, sink)
	if err != nil && !errors.Is(err, ErrConsumerGone) {
		_ = sink(errorEvent(err))
	}
	o.finish(ctx, span, "stream", res, err, start)
	return res, err
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, mode string, res *RunResult, err error, start time.Time) {
	outcome := "success"
	switch {
	case errors.Is(err, ErrConsumerGone):
		outcome = "cancelled"
	case err != nil:
		outcome = strings.ToLower(string(types.GetErrorCode(err)))
		if outcome == "" {
			outcome = "error"
		}
	case res.Replayed:
		outcome = "replayed"
	case res.Cached:
		outcome = "cached"
	}
	o.metrics.RecordRun(mode, outcome, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(
		attribute.Bool("llm.cached", res.Cached),
		attribute.Int("llm.tokens", res.TokensUsed),
		attribute.Int64("billing.cost", res.Cost),
	)
	span.SetStatus(codes.Ok, "")
	if res.TokensUsed > 0 && !res.Replayed {
		o.tokenCounter.Add(ctx, int64(res.TokensUsed), metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.Bool("cached", res.Cached),
		))
	}
}

// =============================================================================
// 🔄 执行流程
// =============================================================================

// turn 是 Preparing 阶段产出的本轮上下文
type turn struct {
	agent   *store.Agent
	conv    *store.Conversation
	request *llm.ChatRequest
}

// completion 是 Dispatching 阶段产出的补全
type completion struct {
	content string
	model   string
	usage   llm.ChatUsage
	cached  bool
}

func (o *Orchestrator) execute(ctx context.Context, req RunRequest, sink Sink) (*RunResult, error) {
	mode := "run"
	if sink != nil {
		mode = "stream"
	}
	logger := o.logger.With(
		zap.String("mode", mode),
		zap.String("user_id", req.UserID),
		zap.String("agent_id", req.AgentID),
	)
	if rid, ok := types.RequestID(ctx); ok {
		logger = logger.With(zap.String("request_id", rid))
	}
	st := newRunState(mode, o.metrics, logger)

	input, err := o.validate(req)
	if err != nil {
		st.fail()
		return nil, err
	}

	if err := st.to(StateAuthorizing); err != nil {
		return nil, err
	}
	agent, err := o.authorize(ctx, req)
	if err != nil {
		st.fail()
		return nil, err
	}

	if err := st.to(StatePreparing); err != nil {
		return nil, err
	}
	t, err := o.prepare(ctx, req, agent, input)
	if err != nil {
		st.fail()
		return nil, err
	}

	// 用户消息已落库，此后任何失败都要留下一条失败消息
	res, err := o.dispatchAndPersist(ctx, st, t, sink, logger)
	if err != nil {
		st.fail()
		o.persistFailure(ctx, t, err, logger)
		if errors.Is(err, ErrConsumerGone) {
			logger.Info("stream cancelled by consumer", zap.String("conversation_id", t.conv.ID))
		} else {
			logger.Warn("run failed", zap.String("conversation_id", t.conv.ID), zap.Error(err))
		}
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) validate(req RunRequest) (string, error) {
	if req.UserID == "" {
		return "", types.NewValidationError("user id is required")
	}
	if req.AgentID == "" {
		return "", types.NewValidationError("agent id is required")
	}
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return "", types.NewValidationError("input must not be empty")
	}
	if utf8.RuneCountInString(input) > o.cfg.MaxInputChars {
		return "", types.NewValidationError(fmt.Sprintf("input exceeds %d characters", o.cfg.MaxInputChars))
	}
	return input, nil
}

// authorize 并发加载 Agent 与用户，付费 Agent 再检查访问权
func (o *Orchestrator) authorize(ctx context.Context, req RunRequest) (*store.Agent, error) {
	var agent *store.Agent

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := o.agents.Get(gctx, req.AgentID)
		agent = a
		return err
	})
	g.Go(func() error {
		_, err := o.users.Get(gctx, req.UserID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if agent.Price > 0 {
		allowed, err := o.access.CheckAccess(ctx, req.UserID, agent.ID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, types.NewForbiddenError("agent must be purchased before use")
		}
	}
	return agent, nil
}

// prepare 解析会话、拼装上下文并在调用上游之前持久化用户消息
func (o *Orchestrator) prepare(ctx context.Context, req RunRequest, agent *store.Agent, input string) (*turn, error) {
	var (
		conv    *store.Conversation
		history []store.Message
		err     error
	)
	if req.ConversationID != "" {
		conv, err = o.conversations.Get(ctx, req.ConversationID, req.UserID)
		if err != nil {
			return nil, err
		}
		if conv.AgentID != agent.ID {
			return nil, types.NewValidationError("conversation belongs to a different agent")
		}
		history, err = o.conversations.ListRecentMessages(ctx, conv.ID, o.cfg.HistoryLimit)
		if err != nil {
			return nil, err
		}
	} else {
		conv, err = o.conversations.Create(ctx, req.UserID, agent.ID, agent.Name)
		if err != nil {
			return nil, err
		}
	}

	chatReq := &llm.ChatRequest{
		Model:     agent.Model,
		Messages:  o.buildMessages(agent, history, input),
		Params:    agent.ModelParams.Clone(),
		SkipCache: req.SkipCache,
		CacheKey:  req.CacheKey,
	}

	userMsg := &store.Message{ConversationID: conv.ID, Role: llm.RoleUser, Content: input}
	if err := o.conversations.AppendMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	return &turn{agent: agent, conv: conv, request: chatReq}, nil
}

// buildMessages 组装 system + 历史 + 本轮输入，超出 token 上限时从最早的历史开始丢弃
func (o *Orchestrator) buildMessages(agent *store.Agent, history []store.Message, input string) []llm.Message {
	hist := conversation.ToChatMessages(history)
	assemble := func(h []llm.Message) []llm.Message {
		msgs := make([]llm.Message, 0, len(h)+2)
		if agent.Instructions != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: agent.Instructions})
		}
		msgs = append(msgs, h...)
		return append(msgs, llm.Message{Role: llm.RoleUser, Content: input})
	}

	if o.cfg.HistoryTokenLimit > 0 && o.tokens != nil && len(hist) > 0 {
		tk := o.tokens.ForModel(agent.Model)
		for len(hist) > 0 {
			n, err := tk.CountMessages(assemble(hist))
			if err != nil || n <= o.cfg.HistoryTokenLimit {
				break
			}
			hist = hist[1:]
		}
	}
	return assemble(hist)
}

func (o *Orchestrator) dispatchAndPersist(ctx context.Context, st *runState, t *turn, sink Sink, logger *zap.Logger) (*RunResult, error) {
	if err := st.to(StateDispatching); err != nil {
		return nil, err
	}
	out, err := o.dispatch(ctx, t, sink)
	if err != nil {
		return nil, err
	}

	if err := st.to(StatePersisting); err != nil {
		return nil, err
	}
	res := &RunResult{
		Response:       out.content,
		ConversationID: t.conv.ID,
		TokensUsed:     out.usage.Tokens(),
		Model:          out.model,
		Cached:         out.cached,
	}

	if sink != nil && (out.content == "" || out.usage.Tokens() == 0) {
		// 流式调用没有内容或没有用量：既不落库也不计费
		logger.Warn("stream finished without content or usage, nothing persisted",
			zap.Int("content_len", len(out.content)),
			zap.Int("tokens", out.usage.Tokens()),
		)
	} else if err := o.persist(ctx, t, out, res, logger); err != nil {
		return nil, err
	}

	if err := st.to(StateDone); err != nil {
		return nil, err
	}
	if sink != nil {
		_ = sink(Event{Type: EventDone, Result: res})
	}
	return res, nil
}

// dispatch 读缓存，未命中时调用上游（流式时经 Relay 转发）
func (o *Orchestrator) dispatch(ctx context.Context, t *turn, sink Sink) (*completion, error) {
	req := t.request
	cacheable := !cache.ShouldSkip(req)
	var key string
	if cacheable {
		cache.EnsureSeed(req)
		key = cache.KeyOf(req)
		if e, ok := o.cache.Get(ctx, key); ok {
			out := &completion{content: e.Content, model: e.Model, usage: e.Usage, cached: true}
			if sink != nil {
				if err := sink(Event{Type: EventDelta, Delta: e.Content}); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrConsumerGone, err)
				}
			}
			return out, nil
		}
	}

	if sink != nil {
		rr, err := o.relay.Relay(ctx, req, cacheable, sink)
		if err != nil {
			return nil, err
		}
		return &completion{content: rr.Content, model: rr.Model, usage: rr.Usage}, nil
	}

	resp, err := o.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &completion{content: resp.Content, model: resp.Model, usage: resp.Usage}
	if out.model == "" {
		out.model = req.Model
	}
	if cacheable && out.content != "" {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
		o.cache.Put(pctx, key, &cache.Entry{
			Content:   out.content,
			Model:     out.model,
			Usage:     out.usage,
			CreatedAt: time.Now(),
		}, o.cfg.CacheTTL)
		cancel()
	}
	return out, nil
}

// complete 在 ProviderTimeout 内执行一次非流式上游调用；不在内部重试
func (o *Orchestrator) complete(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	resp, err := o.provider.Completion(cctx, req)
	if err != nil {
		o.metrics.RecordLLMRequest(o.provider.Name(), req.Model, "error", time.Since(start), 0, 0)
		return nil, upstreamError(ctx, o.provider.Name(), err)
	}
	o.metrics.RecordLLMRequest(o.provider.Name(), resp.Model, "success", time.Since(start),
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}

// persist 原子地写入助手消息与用量扣费，成功后递增 Agent 使用次数
func (o *Orchestrator) persist(ctx context.Context, t *turn, out *completion, res *RunResult, logger *zap.Logger) error {
	tokens := out.usage.Tokens()
	msg := &store.Message{
		ConversationID: t.conv.ID,
		Role:           llm.RoleAssistant,
		Content:        out.content,
		TokensUsed:     tokens,
	}

	var debit *ledger.Entry
	if t.agent.Price > 0 {
		if cost := o.cfg.Rates.Cost(t.agent.Model, tokens); cost > 0 {
			debit = &ledger.Entry{
				UserID:      t.conv.UserID,
				Type:        store.TxAgentUsage,
				Amount:      cost,
				Description: "Usage: " + t.agent.Name,
				ReferenceID: t.agent.ID,
			}
		}
	}

	if _, err := o.ledger.RecordUsage(ctx, msg, debit); err != nil {
		return err
	}
	res.MessageID = msg.ID
	if debit != nil {
		res.Cost = debit.Amount
		o.metrics.RecordBilledCredits(t.agent.ID, debit.Amount)
	}

	if err := o.agents.IncrementUsage(ctx, t.agent.ID); err != nil {
		logger.Warn("failed to increment agent usage", zap.Error(err))
	}
	logger.Debug("turn persisted",
		zap.String("message_id", msg.ID),
		zap.Int("tokens", tokens),
		zap.Int64("cost", res.Cost),
		zap.Bool("cached", out.cached),
	)
	return nil
}

// persistFailure 写入失败或取消标记消息；脱离调用方取消，使用独立超时
func (o *Orchestrator) persistFailure(ctx context.Context, t *turn, cause error, logger *zap.Logger) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	msg := &store.Message{
		ConversationID: t.conv.ID,
		Role:           llm.RoleAssistant,
		Content:        failureContent(cause),
		Status:         store.MessageFailed,
	}
	if errors.Is(cause, ErrConsumerGone) {
		msg.Status = store.MessageCancelled
	}
	if err := o.conversations.AppendMessage(pctx, msg); err != nil {
		logger.Error("failed to persist failure message",
			zap.String("conversation_id", t.conv.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}

func failureContent(err error) string {
	if errors.Is(err, ErrConsumerGone) {
		return CancelledMessage
	}
	if e, ok := types.AsError(err); ok {
		return FailureMessagePrefix + string(e.Code) + ": " + e.Message
	}
	return FailureMessagePrefix + "request failed"
}
