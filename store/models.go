package store

import (
	"time"

	"github.com/BaSui01/agentmarket/llm"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewID 生成按时间有序的 UUIDv7，同一毫秒内也单调递增。
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// User 调用方账户。Credits 是账本流水的缓存余额，Version 用于乐观锁。
type User struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"size:100" json:"name"`
	Email     string    `gorm:"size:255;index" json:"email,omitempty"`
	Credits   int64     `gorm:"not null;default:0" json:"credits"`
	Version   int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = NewID()
	}
	return nil
}

// Agent 市场上的可配置智能体。
type Agent struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	Name         string          `gorm:"size:200;not null" json:"name"`
	Instructions string          `gorm:"type:text" json:"instructions"`
	Model        string          `gorm:"size:100;not null" json:"model"`
	ModelParams  llm.ModelParams `gorm:"type:text;serializer:json" json:"model_params"`
	Price        int64           `gorm:"not null;default:0" json:"price"` // 0 表示免费
	CreatorID    string          `gorm:"size:36;index;not null" json:"creator_id"`
	// CreatorShareBps 覆盖全局分成比例（万分比），nil 使用默认值
	CreatorShareBps *int      `json:"creator_share_bps,omitempty"`
	UsageCount      int64     `gorm:"not null;default:0" json:"usage_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Agent) TableName() string { return "agents" }

func (a *Agent) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	return nil
}

// Conversation 用户与某个 Agent 的会话，只属于创建它的用户。
type Conversation struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:36;index;not null" json:"user_id"`
	AgentID   string    `gorm:"size:36;index;not null" json:"agent_id"`
	Title     string    `gorm:"size:255" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

func (c *Conversation) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	return nil
}

// MessageStatus 区分真实回复与失败/取消标记
type MessageStatus string

const (
	MessageCompleted MessageStatus = "completed"
	MessageFailed    MessageStatus = "failed"
	MessageCancelled MessageStatus = "cancelled"
)

// Message 会话中的一条消息，只追加不修改。
type Message struct {
	ID             string        `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string        `gorm:"size:36;not null;index:idx_messages_conv_created,priority:1" json:"conversation_id"`
	Role           llm.Role      `gorm:"size:16;not null" json:"role"`
	Content        string        `gorm:"type:text" json:"content"`
	TokensUsed     int           `gorm:"not null;default:0" json:"tokens_used"`
	Status         MessageStatus `gorm:"size:16;not null;default:'completed'" json:"status"`
	CreatedAt      time.Time     `gorm:"index:idx_messages_conv_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Status == "" {
		m.Status = MessageCompleted
	}
	return nil
}

// InContext 失败与取消标记只留在记录里，不作为上下文发给模型
func (m *Message) InContext() bool {
	return m.Status == "" || m.Status == MessageCompleted
}

// TransactionType 账本流水类型
type TransactionType string

const (
	TxCreditPurchase      TransactionType = "credit_purchase"
	TxSubscriptionPayment TransactionType = "subscription_payment"
	TxAgentPurchase       TransactionType = "agent_purchase"
	TxAgentSale           TransactionType = "agent_sale"
	TxAgentUsage          TransactionType = "agent_usage"
)

// Valid reports whether t is a known entry type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxCreditPurchase, TxSubscriptionPayment, TxAgentPurchase, TxAgentSale, TxAgentUsage:
		return true
	}
	return false
}

// Transaction 账本流水，只追加。Amount 有符号：正数入账，负数扣费。
type Transaction struct {
	ID          string          `gorm:"primaryKey;size:36" json:"id"`
	UserID      string          `gorm:"size:36;not null;index;uniqueIndex:idx_tx_idempotency,priority:1" json:"user_id"`
	Type        TransactionType `gorm:"size:32;not null;uniqueIndex:idx_tx_idempotency,priority:2" json:"type"`
	Amount      int64           `gorm:"not null" json:"amount"`
	Description string          `gorm:"size:500" json:"description"`
	ReferenceID *string         `gorm:"size:36;index" json:"reference_id,omitempty"`
	// IdempotencyKey 非空时 (user_id, type, key) 唯一，重放同一笔扣费不会重复入账
	IdempotencyKey *string   `gorm:"size:100;uniqueIndex:idx_tx_idempotency,priority:3" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Transaction) TableName() string { return "transactions" }

func (t *Transaction) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	return nil
}

// Purchase 所有权记录，(user_id, agent_id) 唯一。
type Purchase struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:36;not null;uniqueIndex:idx_purchases_user_agent,priority:1" json:"user_id"`
	AgentID   string    `gorm:"size:36;not null;uniqueIndex:idx_purchases_user_agent,priority:2" json:"agent_id"`
	Price     int64     `gorm:"not null" json:"price"`
	CreatedAt time.Time `json:"created_at"`
}

func (Purchase) TableName() string { return "purchases" }

func (p *Purchase) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	return nil
}

// AllModels 返回需要建表的全部模型，供 AutoMigrate 使用。
func AllModels() []any {
	return []any{&User{}, &Agent{}, &Conversation{}, &Message{}, &Transaction{}, &Purchase{}}
}
