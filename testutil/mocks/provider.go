// MockProvider 的 LLM 提供商测试模拟实现。
//
// 支持固定响应、流式输出、错误注入与取消观测。
package mocks

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentmarket/llm"
	"github.com/BaSui01/agentmarket/types"
)

// MockProvider 是 llm.Provider 的模拟实现
type MockProvider struct {
	mu sync.RWMutex

	// 响应配置
	response     string
	model        string
	streamChunks []string
	usage        llm.ChatUsage
	err          error
	streamErrAt  int // >0 时在第 N 帧之后发送错误帧
	models       []llm.Model
	delay        time.Duration

	// 调用记录
	calls            []*llm.ChatRequest
	completionCalls  atomic.Int32
	streamCalls      atomic.Int32
	streamCancelled  atomic.Bool
	streamFinished   chan struct{}
	streamFinishOnce sync.Once
}

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		response:       "Mock response",
		model:          "mock-model",
		usage:          llm.ChatUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		streamFinished: make(chan struct{}),
	}
}

// --- Builder 方法 ---

// WithResponse 设置固定响应内容
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithModel 设置响应中回报的模型 ID
func (m *MockProvider) WithModel(model string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
	return m
}

// WithUsage 设置 token 用量
func (m *MockProvider) WithUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = llm.ChatUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
	return m
}

// WithError 设置调用直接返回的错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithStreamChunks 设置流式响应块
func (m *MockProvider) WithStreamChunks(chunks ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	return m
}

// WithStreamErrorAfter 在发送 n 帧之后注入上游错误帧
func (m *MockProvider) WithStreamErrorAfter(n int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErrAt = n
	return m
}

// WithModels 设置 ListModels 返回值
func (m *MockProvider) WithModels(models ...llm.Model) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = models
	return m
}

// WithDelay 设置每次调用（流式为每帧）的延迟
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// --- llm.Provider 实现 ---

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.completionCalls.Add(1)
	m.record(req)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llm.ChatResponse{
		ID:           "mock-resp",
		Provider:     "mock",
		Model:        m.model,
		Content:      m.response,
		FinishReason: "stop",
		Usage:        m.usage,
		CreatedAt:    time.Now(),
	}, nil
}

func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.streamCalls.Add(1)
	m.record(req)

	m.mu.RLock()
	err := m.err
	chunks := append([]string(nil), m.streamChunks...)
	if len(chunks) == 0 {
		chunks = []string{m.response}
	}
	usage := m.usage
	model := m.model
	errAt := m.streamErrAt
	delay := m.delay
	m.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		defer m.streamFinishOnce.Do(func() { close(m.streamFinished) })

		send := func(c llm.StreamChunk) bool {
			if delay > 0 {
				select {
				case <-ctx.Done():
					m.streamCancelled.Store(true)
					return false
				case <-time.After(delay):
				}
			}
			select {
			case <-ctx.Done():
				m.streamCancelled.Store(true)
				return false
			case ch <- c:
				return true
			}
		}

		for i, text := range chunks {
			if errAt > 0 && i == errAt {
				send(llm.StreamChunk{Err: types.NewUpstreamError("mock", "stream interrupted", true)})
				return
			}
			if !send(llm.StreamChunk{ID: "mock-stream", Provider: "mock", Model: model, Delta: text}) {
				return
			}
		}
		u := usage
		send(llm.StreamChunk{ID: "mock-stream", Provider: "mock", Model: model, FinishReason: "stop", Usage: &u})
	}()
	return ch, nil
}

func (m *MockProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.models, nil
}

func (m *MockProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &llm.HealthStatus{Healthy: m.err == nil}, m.err
}

// --- 调用记录 ---

func (m *MockProvider) record(req *llm.ChatRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req.Clone())
}

// Calls 返回所有请求的副本
func (m *MockProvider) Calls() []*llm.ChatRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*llm.ChatRequest(nil), m.calls...)
}

// LastRequest 返回最近一次请求
func (m *MockProvider) LastRequest() *llm.ChatRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

func (m *MockProvider) CompletionCalls() int { return int(m.completionCalls.Load()) }

func (m *MockProvider) StreamCalls() int { return int(m.streamCalls.Load()) }

// StreamCancelled 报告流式 goroutine 是否因 ctx 取消而提前退出
func (m *MockProvider) StreamCancelled() bool { return m.streamCancelled.Load() }

// StreamFinished 在流式 goroutine 退出后关闭
func (m *MockProvider) StreamFinished() <-chan struct{} { return m.streamFinished }
