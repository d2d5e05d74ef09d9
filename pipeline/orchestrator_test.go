package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/agentmarket/ledger"
	"github.com/BaSui01/agentmarket/llm"
	"github.com/BaSui01/agentmarket/llm/cache"
	"github.com/BaSui01/agentmarket/llm/tokenizer"
	"github.com/BaSui01/agentmarket/store"
	"github.com/BaSui01/agentmarket/testutil/mocks"
	"github.com/BaSui01/agentmarket/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 🧪 Run
// =============================================================================

func TestRun_FreeAgentRecordsUsageWithoutLedgerEntries(t *testing.T) {
	h := newHarness(t)
	a := h.agent(0, 0)
	userID := h.user(0)

	res, err := h.orch.Run(context.Background(), RunRequest{UserID: userID, AgentID: a.ID, Input: "  hello  "})
	require.NoError(t, err)

	assert.Equal(t, "Mock response", res.Response)
	assert.Equal(t, 30, res.TokensUsed)
	assert.Zero(t, res.Cost)
	assert.NotEmpty(t, res.ConversationID)
	assert.NotEmpty(t, res.MessageID)
	assert.False(t, res.Cached)

	msgs := h.messages(res.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, 30, msgs[1].TokensUsed)
	assert.Equal(t, res.MessageID, msgs[1].ID)

	assert.Empty(t, h.usageEntries(userID))
	assert.Equal(t, int64(1), h.usageCount(a.ID))

	conv, err := h.convs.Get(context.Background(), res.ConversationID, userID)
	require.NoError(t, err)
	assert.Equal(t, "helper", conv.Title)

	// system 消息在调用时合成，不落库
	req := h.provider.LastRequest()
	require.NotNil(t, req)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
}

func TestRun_PaidAgentDebitsUsage(t *testing.T) {
	h := newHarness(t)
	a := h.agent(50, 0)
	userID := h.buyer(a, 100)

	res, err := h.orch.Run(context.Background(), RunRequest{UserID: userID, AgentID: a.ID, Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Cost)

	entries := h.usageEntries(userID)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-3), entries[0].Amount)
	require.NotNil(t, entries[0].ReferenceID)
	assert.Equal(t, a.ID, *entries[0].ReferenceID)
	require.NotNil(t, entries[0].IdempotencyKey)
	assert.Equal(t, res.MessageID, *entries[0].IdempotencyKey)

	assert.Equal(t, int64(97), h.balance(userID))
	assert.NoError(t, h.ledger.Verify(context.Background(), userID))
	assert.Equal(t, 1, h.metrics.run("run/success"))
	assert.Equal(t, int64(3), h.metrics.billed)
}

func TestRun_UnpurchasedAgentIsForbidden(t *testing.T) {
	h := newHarness(t)
	a := h.agent(50, 0)
	userID := h.user(100)

	_, err := h.orch.Run(context.Background(), RunRequest{UserID: userID, AgentID: a.ID, Input: "hi"})
	assert.True(t, types.IsErrorCode(err, types.ErrForbidden))
	assert.False(t, types.IsRetryable(err))
	assert.Zero(t, h.provider.CompletionCalls())

	var convs int64
	require.NoError(t, h.db.Model(&store.Conversation{}).Count(&convs).Error)
	assert.Zero(t, convs)
}

func TestRun_CreatorUsesOwnAgent(t *testing.T) {
	h := newHarness(t)
	a := h.agent(50, 0)
	_, err := h.ledger.Credit(context.Background(), ledgerEntry(h.creatorID, 10))
	require.NoError(t, err)

	res, err := h.orch.Run(context.Background(), RunRequest{UserID: h.creatorID, AgentID: a.ID, Input: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Cost)
	assert.Equal(t, int64(7), h.balance(h.creatorID))
}

func TestRun_NotFound(t *testing.T) {
	h := newHarness(t)
	a := h.agent(0, 0)
	userID := h.user(0)

	_, err := h.orch.Run(context.Background(), RunRequest{UserID: userID, AgentID: "missing", Input: "hi"})
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	_, err = h.orch.Run(context.Background(), RunRequest{UserID: "ghost", AgentID: a.ID, Input: "hi"})
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestRun_Validation(t *testing.T) {
	h := newHarness(t)
	a := h.agent(0, 0)
	userID := h.user(0)

	tests := []struct {
		name string
		req  RunRequest
	}{
		{"empty input", RunRequest{UserID: userID, AgentID: a.ID, Input: "   "}},
		{"missing user", RunRequest{AgentID: a.ID, Input: "hi"}},
		{"missing agent", RunRequest{UserID: userID, Input: "hi"}},
		{"too long", RunRequest{UserID: userID, AgentID: a.ID, Input: strings.Repeat("x", 32001)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Run(context.Background(), tt.req)
			assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
		})
	}
	assert.Zero(t, h.provider.CompletionCalls())
}

// 两次相同的 temperature=0 运行：第二次命中缓存，但依然计费并写入新消息
func TestRun_CacheHitIsStillBilled(t *testing.T) {
	h := newHarness(t)
	a := h.agent(50, 0)
	userID := h.buyer(a, 100)
	ctx := context.Background()

	first, err := h.orch.Run(ctx, RunRequest{UserID: userID, AgentID: a.ID, Input: "same question"})
	require.NoError(t, err)
	second, err := h.orch.Run(ctx, RunRequest{UserID: userID, AgentID: a.ID, Input: "same question"})
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, 1, h.provider.CompletionCalls())
	assert.NotEqual(t, first.MessageID, second.MessageID)

	assert.Len(t, h.usageEntries(userID), 2)
	assert.Equal(t, int64(94), h.balance(userID))
	assert.Equal(t, 1, h.spy.Len())
	assert.Equal(t, time.Hour, h.spy.TTL(cache.KeyOf(h.provider.LastRequest())))
	assert.Equal(t, 1, h.metrics.run("run/cached"))
	assert.Equal(t, int64(2), h.usageCount(a.ID))
}

func TestRun_SeedIsFixedForCacheableRequests(t *testing.T) {
	h := newHarness(t)
	a := h.agent(0, 0)
	userID := h.user(0)

	_, err := h.orch.Run(context.Background(), RunRequest{UserID: userID, AgentID: a.ID, Input: "x"})
	require.NoError(t, err)

	req := h.provider.LastRequest()
	require.NotNil(t, req.Params.Seed)

	// Agent 配置本身不被修改
	stored, err := store.NewAgentRepo(h.db).Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ModelParams.Seed)
}

func TestRun_NonDeterministicSkipsCache(t *testing.T) {
	h := newHarness(t, withCache(mocks.NewUntouchableCache(t)))
	a := h.agent(0, 0.9)
	userID := h.user(0)

	for i := 0; i < 2; i++ {
		_, err := h.orch.Run(context.Background(), RunRequest{UserID: userID, AgentID: a.ID, Input: "x"})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.provider.CompletionCalls())
	assert.Nil(t, h.provider.LastRequest().Params.Seed)
}

func TestRun_SkipCacheFlag(t *testing.T) {
	h := newHarness(t, withCache(mocks.NewUntouchableCache(t)))
	a := h.agent(0, 0)
	userID := h.user(0)

	_, err := h.orch.Run(context.Background(), RunRequest{UserID: userID, AgentID: a.ID, Input: "x", SkipCache: true})
	require.NoError(t, err)
}

func TestRun_CustomCacheKey(t *testing.T) {
	h := newHarness(t)
	a := h.agent(0, 0)
	userID := h.user(0)
	ctx := context.Background()

	_, err := h.orch.Run(ctx, RunRequest{UserID: userID, AgentID: a.ID, Input: "one", CacheKey: "faq-1"})
	require.NoError(t, err)
	res, err := h.orch.Run(ctx, RunRequest{UserID: userID, AgentID: a.ID, Input: "two", CacheKey: "faq-1"})
	require.NoError(t, err)

	assert.True(t, res.Cached)
	_, ok := h.spy.Entry(cache.CustomKeyPrefix + "faq-1")
	assert.True(t, ok)
}

func TestRun_ProviderFailurePersistsFailureMessage(t *testing.T) {
	h := newHarness(t)
	a := h.agent(50, 0)
	userID := h.buyer(a, 100)
	h.provider.WithError(types.NewUpstreamError("mock", "boom", true))

	_, err := h.orch.Run(context.Background(), RunRequest{UserID: userID, AgentID: a.ID, Input: "hi"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamError))

	var convs []store.Conversation
	require.NoError(t, h.db.Find(&convs).Error)
	require.Len(t, convs, 1)

	msgs := h.messages(convs[0].ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.True(t, strings.HasPrefix(msgs[1].Content, FailureMessagePrefix))
	assert.Zero(t, msgs[1].TokensUsed)

	assert.Empty(t, h.usageEntries(userID))
	assert.Equal(t, int64(100), h.balance(userID))
	assert.Zero(t, h.usageCount(a.ID))
	assert.Zero(t, h.spy.Len())
}

func TestRun_FailureMarkerStaysOutOfNextTurnContext(t *testing.T) {
	h := newHarness(t)
	a := h.agent(0, 0)
	userID := h.user(0)
	ctx := context.Background()

	h.provider.WithError(types.NewUpstreamError("mock", "boom", true))
	_, err := h.orch.Run(ctx, RunRequest{UserID: userID, AgentID: a.ID, Input: "first"})
	require.Error(t, err)

	var conv store.Conversation
	require.NoError(t, h.db.Take(&conv).Error)
	failed := h.messages(conv.ID)
	require.Len(t, failed, 2)
	assert.Equal(t, store.MessageFailed, failed[1].Status)

	h.provider.WithError(nil)
	_, err = h.orch.Run(ctx, RunRequest{UserID: userID, AgentID: a.ID, Input: "second", ConversationID: conv.ID})
	require.NoError(t, err)

	sent := h.provider.LastRequest().Messages
	for _, m := range sent {
		assert.False(t, strings.HasPrefix(m.Content, FailureMessagePrefix), "marker sent as context: %q", m.Content)
		assert.NotEqual(t, llm.RoleAssistant, m.Role)
	}
	last := sent[len(sent)-1]
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "second"}, last)
	assert.Equal(t, "first", sent[len(sent)-2].Content)
}

func TestRun_ProviderTimeout(t *testing.T) {
	h := newHarness(t, func(_ *Deps, c *Config) { c.ProviderTimeout = 20 * time.Millisecond })
	a := h.agent(0, 0)
	userID := h.user(0)
	h.provider.WithDelay(time.Second)

	_, err := h.orch.Run(context.Background(), RunRequest{UserID: userID, AgentID: a.ID, Input: "hi"})
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamTimeout))
}

func TestRun_InsufficientCreditsAtBilling(t *testing.T) {
	h := newHarness(t)
	a := h.agent(50, 0)
	userID := h.buyer(a, 1)

	_, err := h.orch.Run(context.Background(), RunRequest{UserID: userID, AgentID: a.ID, Input: "hi"})
	shortfall, ok := types.AsInsufficientCredits(err)
	require.True(t, ok)
	assert.Equal(t, int64(3), shortfall.Required)
	assert.Equal(t, int64(1), shortfall.Available)

	assert.Equal(t, int64(1), h.balance(userID))
	assert.Zero(t, h.usageCount(a.ID))

	var assistant []store.Message
	require.NoError(t, h.db.Where("role = ?", llm.RoleAssistant).Find(&assistant).Error)
	require.Len(t, assistant, 1)
	assert.Contains(t, assistant[0].Content, string(types.ErrInsufficientCredits))
}

func TestRun_ContinuesConversationWithHistory(t *testing.T) {
	h := newHarness(t)
	a := h.agent(0, 0)
	userID := h.user(0)
	ctx := context.Background()

	first, err := h.orch.Run(ctx, RunRequest{UserID: userID, AgentID: a.ID, Input: "first"})
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, RunRequest{UserID: userID, AgentID: a.ID, Input: "second", ConversationID: first.ConversationID})
	require.NoError(t, err)

	req := h.provider.LastRequest()
	require.Len(t, req.Messages, 4)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "first", req.Messages[1].Content)
	assert.Equal(t, "Mock response", req.Messages[2].Content)
	assert.Equal(t, "second", req.Messages[3].Content)

	assert.Len(t, h.messages(first.ConversationID), 4)
}

func TestRun_ForeignConversationIsForbidden(t *testing.T) {
	h := newHarness(t)
	a := h.agent(0, 0)
	owner := h.user(0)
	intruder := h.user(0)
	ctx := context.Background()

	res, err := h.orch.Run(ctx, RunRequest{UserID: owner, AgentID: a.ID, Input: "mine"})
	require.NoError(t, err)

	_, err = h.orch.Run(ctx, RunRequest{UserID: intruder, AgentID: a.ID, Input: "yours?", ConversationID: res.ConversationID})
	assert.True(t, types.IsErrorCode(err, types.ErrForbidden))
	assert.Len(t, h.messages(res.ConversationID), 2)
}

func TestRun_StateTransitions(t *testing.T) {
	h := newHarness(t)
	a := h.agent(0, 0)
	userID := h.user(0)

	_, err := h.orch.Run(context.Background(), RunRequest{UserID: userID, AgentID: a.ID, Input: "hi"})
	require.NoError(t, err)

	h.metrics.mu.Lock()
	defer h.metrics.mu.Unlock()
	assert.Equal(t, []string{
		"validating>authorizing",
		"authorizing>preparing",
		"preparing>dispatching",
		"dispatching>persisting",
		"persisting>done",
	}, h.metrics.transitions)
}

// fixedTokens 每条消息计 10 个 token
type fixedTokens struct{}

func (fixedTokens) ForModel(string) tokenizer.Tokenizer { return perMessage{} }

type perMessage struct{}

func (perMessage) CountTokens(string) (int, error)            { return 10, nil }
func (perMessage) CountMessages(m []llm.Message) (int, error) { return 10 * len(m), nil }
func (perMessage) Name() string                               { return "per-message" }

func TestBuildMessages_TrimsOldestHistoryToBudget(t *testing.T) {
	h := newHarness(t, func(d *Deps, c *Config) {
		d.Tokens = fixedTokens{}
		c.HistoryTokenLimit = 35
	})
	agent := &store.Agent{Model: "m", Instructions: "sys"}
	history := []store.Message{
		{Role: llm.RoleUser, Content: "old"},
		{Role: llm.RoleAssistant, Content: "older answer"},
		{Role: llm.RoleUser, Content: "recent"},
	}

	msgs := h.orch.buildMessages(agent, history, "now")
	require.Len(t, msgs, 3)
	assert.Equal(t, "sys", msgs[0].Content)
	assert.Equal(t, "recent", msgs[1].Content)
	assert.Equal(t, "now", msgs[2].Content)
}

func ledgerEntry(userID string, amount int64) ledger.Entry {
	return ledger.Entry{UserID: userID, Type: store.TxCreditPurchase, Amount: amount}
}
