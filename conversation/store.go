package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/agentmarket/llm"
	"github.com/BaSui01/agentmarket/store"
	"github.com/BaSui01/agentmarket/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxTitleLength 会话标题最大长度（按字符）
const MaxTitleLength = 255

// Store 会话存储
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore 创建会话存储
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "conversation_store"))}
}

// WithTx 返回绑定到外部事务的 Store
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, logger: s.logger}
}

// Create 为 userID 与 agentID 新建会话
func (s *Store) Create(ctx context.Context, userID, agentID, title string) (*store.Conversation, error) {
	if userID == "" || agentID == "" {
		return nil, types.NewValidationError("user id and agent id are required")
	}
	conv := &store.Conversation{
		UserID:  userID,
		AgentID: agentID,
		Title:   truncate(strings.TrimSpace(title), MaxTitleLength),
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, store.StorageError(fmt.Errorf("create conversation: %w", err))
	}
	s.logger.Debug("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID),
		zap.String("agent_id", agentID),
	)
	return conv, nil
}

// Get 读取会话并校验归属；不属于 userID 的会话返回 FORBIDDEN。
func (s *Store) Get(ctx context.Context, id, userID string) (*store.Conversation, error) {
	var conv store.Conversation
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewNotFoundError("conversation", id)
		}
		return nil, store.StorageError(fmt.Errorf("get conversation: %w", err))
	}
	if conv.UserID != userID {
		return nil, types.NewForbiddenError("conversation belongs to another user")
	}
	return &conv, nil
}

// AppendMessage 追加一条消息；ID 为空时自动生成。
func (s *Store) AppendMessage(ctx context.Context, msg *store.Message) error {
	if msg.ConversationID == "" {
		return types.NewValidationError("conversation id is required")
	}
	if msg.TokensUsed < 0 {
		return types.NewValidationError("tokens_used must be non-negative")
	}
	switch msg.Role {
	case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem:
	default:
		return types.NewValidationError(fmt.Sprintf("invalid role %q", msg.Role))
	}
	switch msg.Status {
	case "", store.MessageCompleted, store.MessageFailed, store.MessageCancelled:
	default:
		return types.NewValidationError(fmt.Sprintf("invalid message status %q", msg.Status))
	}

	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return store.StorageError(fmt.Errorf("append message: %w", err))
	}
	return nil
}

// ListRecentMessages 返回会话最近 limit 条消息，按时间正序。
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	var msgs []store.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, store.StorageError(fmt.Errorf("list messages: %w", err))
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ToChatMessages 把持久化消息转换为 provider 消息，跳过失败与取消标记。
func ToChatMessages(msgs []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for i := range msgs {
		if !msgs[i].InContext() {
			continue
		}
		out = append(out, llm.Message{Role: msgs[i].Role, Content: msgs[i].Content})
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
