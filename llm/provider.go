package llm

import (
	"context"
	"time"

	"github.com/BaSui01/agentmarket/types"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 是发往上游的一次补全请求。
type ChatRequest struct {
	Model    string      `json:"model"`
	Messages []Message   `json:"messages"`
	Params   ModelParams `json:"params"`
	Stream   bool        `json:"stream,omitempty"`

	// SkipCache 由调用方显式要求绕过缓存。
	SkipCache bool `json:"skip_cache,omitempty"`
	// CacheKey 非空时原样（加命名空间）作为缓存键。
	CacheKey string `json:"cache_key,omitempty"`
}

// Clone returns a deep copy of the request.
func (r *ChatRequest) Clone() *ChatRequest {
	c := *r
	c.Messages = append([]Message(nil), r.Messages...)
	c.Params = r.Params.Clone()
	return &c
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Tokens returns the billable token count.
func (u ChatUsage) Tokens() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

type ChatResponse struct {
	ID           string    `json:"id,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model"`
	Content      string    `json:"content"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        ChatUsage `json:"usage"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

type StreamChunk struct {
	ID           string       `json:"id,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Model        string       `json:"model,omitempty"`
	Delta        string       `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        *ChatUsage   `json:"usage,omitempty"` // 最终 chunk 携带 usage
	Err          *types.Error `json:"error,omitempty"`
}

// Model 是上游 /v1/models 返回的单个模型。
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// HealthStatus 表示 Provider 健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider 定义了上游模型服务的统一接口。
type Provider interface {
	// Completion 发起同步聊天请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式聊天请求，返回增量响应通道。
	// ctx 取消后实现必须尽快关闭上游连接并关闭通道。
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// ListModels 返回上游可用模型列表
	ListModels(ctx context.Context) ([]Model, error)

	// HealthCheck 执行轻量级健康检查
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}
