package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/agentmarket/api"
	"github.com/BaSui01/agentmarket/pipeline"
	"github.com/BaSui01/agentmarket/store"
	"github.com/BaSui01/agentmarket/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader 客户端重试同一次运行时携带的请求头
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 128

// Runner 运行 Agent，pipeline.Orchestrator 实现了它
type Runner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.RunResult, error)
	Stream(ctx context.Context, req pipeline.RunRequest, sink pipeline.Sink) (*pipeline.RunResult, error)
}

// Marketplace 访问检查与购买，access.Gate 实现了它
type Marketplace interface {
	CheckAccess(ctx context.Context, userID, agentID string) (bool, error)
	Purchase(ctx context.Context, userID, agentID string) (*store.Purchase, error)
}

// =============================================================================
// 🤖 Agent Handler
// =============================================================================

// AgentHandler Agent 运行、流式、购买与访问检查接口
type AgentHandler struct {
	runner      Runner
	market      Marketplace
	wsOptions   *websocket.AcceptOptions
	readTimeout time.Duration
	logger      *zap.Logger
}

// AgentHandlerOption 选项
type AgentHandlerOption func(*AgentHandler)

// WithWebSocketOrigins 允许跨域 WebSocket 的 Origin 模式，例如 "*.example.com"
func WithWebSocketOrigins(patterns ...string) AgentHandlerOption {
	return func(h *AgentHandler) { h.wsOptions.OriginPatterns = patterns }
}

// NewAgentHandler 创建 Agent 处理器
func NewAgentHandler(runner Runner, market Marketplace, logger *zap.Logger, opts ...AgentHandlerOption) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &AgentHandler{
		runner:      runner,
		market:      market,
		wsOptions:   &websocket.AcceptOptions{},
		readTimeout: 10 * time.Second,
		logger:      logger.With(zap.String("component", "agent_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleRun 同步运行
// @Summary 运行 Agent
// @Tags Agent
// @Accept json
// @Produce json
// @Param id path string true "Agent ID"
// @Param Idempotency-Key header string false "幂等键"
// @Param request body api.RunRequest true "运行请求"
// @Success 200 {object} Response
// @Failure 402 {object} Response "余额不足"
// @Router /api/v1/agents/{id}/run [post]
func (h *AgentHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	req, err := h.runRequest(w, r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	key := r.Header.Get(IdempotencyKeyHeader)
	if len(key) > maxIdempotencyKeyLen {
		WriteError(w, r, types.NewValidationError("Idempotency-Key is too long"), h.logger)
		return
	}
	req.IdempotencyKey = key

	res, err := h.runner.Run(r.Context(), req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	WriteSuccess(w, r, res)
}

// HandleStream 以 SSE 推送 delta / done / error 帧
// @Summary 流式运行 Agent
// @Tags Agent
// @Accept json
// @Produce text/event-stream
// @Param id path string true "Agent ID"
// @Param request body api.RunRequest true "运行请求"
// @Success 200 {string} string "SSE 流"
// @Router /api/v1/agents/{id}/stream [post]
func (h *AgentHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	req, err := h.runRequest(w, r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	_, err = h.runner.Stream(r.Context(), req, sse.Send)
	if err == nil || errors.Is(err, pipeline.ErrConsumerGone) {
		return
	}
	// 还没有发出任何帧时直接返回带状态码的 JSON 错误
	if !sse.Started() {
		WriteError(w, r, err, h.logger)
	}
}

// HandleWebSocket 客户端发送一条 api.RunRequest，服务端以 JSON 消息推送同样的帧后正常关闭
// @Summary WebSocket 流式运行 Agent
// @Tags Agent
// @Param id path string true "Agent ID"
// @Router /api/v1/agents/{id}/ws [get]
func (h *AgentHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := CallerID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	agentID := r.PathValue("id")

	conn, err := websocket.Accept(w, r, h.wsOptions)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	readCtx, cancel := context.WithTimeout(r.Context(), h.readTimeout)
	var body api.RunRequest
	err = wsjson.Read(readCtx, conn, &body)
	cancel()
	if err != nil {
		// 非法 JSON 时 wsjson 已用 1007 关闭，这里覆盖超时等其他读失败
		conn.Close(websocket.StatusPolicyViolation, "expected a JSON run request")
		return
	}

	// CloseRead 处理控制帧，客户端断开时取消 ctx
	ctx := conn.CloseRead(r.Context())
	sink := func(ev pipeline.Event) error {
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			return pipeline.ErrConsumerGone
		}
		return nil
	}

	_, err = h.runner.Stream(ctx, toPipelineRequest(userID, agentID, body), sink)
	if errors.Is(err, pipeline.ErrConsumerGone) {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// HandlePurchase 购买付费 Agent
// @Summary 购买 Agent
// @Tags Agent
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} Response
// @Failure 409 {object} Response "已拥有"
// @Router /api/v1/agents/{id}/purchase [post]
func (h *AgentHandler) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	userID, err := CallerID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	p, err := h.market.Purchase(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.NewPurchaseResponse(p))
}

// HandleAccess 查询调用方能否使用该 Agent
// @Summary 访问检查
// @Tags Agent
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} Response
// @Router /api/v1/agents/{id}/access [get]
func (h *AgentHandler) HandleAccess(w http.ResponseWriter, r *http.Request) {
	userID, err := CallerID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	agentID := r.PathValue("id")
	allowed, err := h.market.CheckAccess(r.Context(), userID, agentID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.AccessResponse{AgentID: agentID, Allowed: allowed})
}

// runRequest 解析路径、调用方与请求体
func (h *AgentHandler) runRequest(w http.ResponseWriter, r *http.Request) (pipeline.RunRequest, error) {
	userID, err := CallerID(r)
	if err != nil {
		return pipeline.RunRequest{}, err
	}
	var body api.RunRequest
	if err := DecodeJSONBody(w, r, &body); err != nil {
		return pipeline.RunRequest{}, err
	}
	return toPipelineRequest(userID, r.PathValue("id"), body), nil
}

func toPipelineRequest(userID, agentID string, body api.RunRequest) pipeline.RunRequest {
	return pipeline.RunRequest{
		UserID:         userID,
		AgentID:        agentID,
		Input:          body.Input,
		ConversationID: body.ConversationID,
		SkipCache:      body.SkipCache,
		CacheKey:       body.CacheKey,
	}
}

// =============================================================================
// 📡 SSE
// =============================================================================

// sseWriter 把 pipeline.Event 编码为 text/event-stream 帧。
// 响应头延迟到第一帧写出，pipeline 在首帧之前失败时 handler 仍可返回普通错误响应。
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, types.NewInternalError("streaming not supported", nil)
	}
	return &sseWriter{w: w, flusher: f}, nil
}

func (s *sseWriter) Started() bool { return s.started }

// Send 实现 pipeline.Sink。写失败视为客户端断开。
func (s *sseWriter) Send(ev pipeline.Event) error {
	if !s.started {
		if ev.Type == pipeline.EventError {
			return nil
		}
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("event: " + string(ev.Type) + "\ndata: ")); err != nil {
		return pipeline.ErrConsumerGone
	}
	if _, err := s.w.Write(payload); err != nil {
		return pipeline.ErrConsumerGone
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return pipeline.ErrConsumerGone
	}
	s.flusher.Flush()
	return nil
}
