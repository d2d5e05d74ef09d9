package pipeline

import (
	"context"
	"time"

	"github.com/BaSui01/agentmarket/ledger"
	"github.com/BaSui01/agentmarket/llm/tokenizer"
	"github.com/BaSui01/agentmarket/store"
)

// AgentStore 编排器需要的 Agent 仓储能力
type AgentStore interface {
	Get(ctx context.Context, id string) (*store.Agent, error)
	IncrementUsage(ctx context.Context, id string) error
}

// UserStore 编排器需要的用户仓储能力
type UserStore interface {
	Get(ctx context.Context, id string) (*store.User, error)
}

// ConversationStore 会话存储
type ConversationStore interface {
	Create(ctx context.Context, userID, agentID, title string) (*store.Conversation, error)
	Get(ctx context.Context, id, userID string) (*store.Conversation, error)
	AppendMessage(ctx context.Context, msg *store.Message) error
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
}

// AccessChecker 访问控制
type AccessChecker interface {
	CheckAccess(ctx context.Context, userID, agentID string) (bool, error)
}

// UsageLedger 原子地写入助手消息与用量扣费
type UsageLedger interface {
	RecordUsage(ctx context.Context, msg *store.Message, debit *ledger.Entry) (*store.Transaction, error)
}

// TokenizerSource 按模型返回分词器，tokenizer.Registry 实现了它
type TokenizerSource interface {
	ForModel(model string) tokenizer.Tokenizer
}

// Recorder 接收编排器指标，internal/metrics.Collector 实现了它。
type Recorder interface {
	RecordRun(mode, outcome string, duration time.Duration)
	RecordStateTransition(mode, from, to string)
	RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int)
	RecordBilledCredits(agentID string, credits int64)
}

// NopRecorder 丢弃所有指标
type NopRecorder struct{}

func (NopRecorder) RecordRun(string, string, time.Duration)      {}
func (NopRecorder) RecordStateTransition(string, string, string) {}
func (NopRecorder) RecordLLMRequest(string, string, string, time.Duration, int, int) {
}
func (NopRecorder) RecordBilledCredits(string, int64) {}
