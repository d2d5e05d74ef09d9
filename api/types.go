package api

import (
	"time"

	"github.com/BaSui01/agentmarket/store"
)

// =============================================================================
// 🤖 Agent 运行
// =============================================================================

// RunRequest 运行 Agent 的请求体，run / stream / ws 三个入口共用。
// @Description Agent 运行请求
type RunRequest struct {
	// 用户输入，不能为空
	Input string `json:"input" example:"帮我总结这段文字"`
	// 续接已有会话；为空时新建会话
	ConversationID string `json:"conversation_id,omitempty"`
	// 跳过补全缓存
	SkipCache bool `json:"skip_cache,omitempty"`
	// 调用方提供的缓存键，优先于按请求内容计算的摘要
	CacheKey string `json:"cache_key,omitempty"`
}

// AccessResponse 访问检查结果
type AccessResponse struct {
	AgentID string `json:"agent_id"`
	Allowed bool   `json:"allowed"`
}

// PurchaseResponse 购买结果
type PurchaseResponse struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Price     int64     `json:"price"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPurchaseResponse 从所有权记录构造响应
func NewPurchaseResponse(p *store.Purchase) PurchaseResponse {
	return PurchaseResponse{ID: p.ID, AgentID: p.AgentID, Price: p.Price, CreatedAt: p.CreatedAt}
}

// =============================================================================
// 💰 账户
// =============================================================================

// BalanceResponse 当前余额
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Credits int64  `json:"credits"`
}

// Transaction 账本流水的对外表示
type Transaction struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	ReferenceID string    `json:"reference_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TransactionsResponse 分页流水，按时间倒序
type TransactionsResponse struct {
	Items  []Transaction `json:"items"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// NewTransactions 转换账本流水
func NewTransactions(txs []store.Transaction) []Transaction {
	out := make([]Transaction, 0, len(txs))
	for _, t := range txs {
		item := Transaction{
			ID:          t.ID,
			Type:        string(t.Type),
			Amount:      t.Amount,
			Description: t.Description,
			CreatedAt:   t.CreatedAt,
		}
		if t.ReferenceID != nil {
			item.ReferenceID = *t.ReferenceID
		}
		out = append(out, item)
	}
	return out
}

// =============================================================================
// 📋 模型
// =============================================================================

// Model 上游可用模型
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// ModelsResponse 模型列表
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// VersionInfo 构建信息
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}
