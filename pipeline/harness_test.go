package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentmarket/access"
	"github.com/BaSui01/agentmarket/conversation"
	"github.com/BaSui01/agentmarket/internal/database"
	"github.com/BaSui01/agentmarket/ledger"
	"github.com/BaSui01/agentmarket/llm"
	"github.com/BaSui01/agentmarket/llm/cache"
	"github.com/BaSui01/agentmarket/store"
	"github.com/BaSui01/agentmarket/testutil"
	"github.com/BaSui01/agentmarket/testutil/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// spyRecorder 记录编排器指标
type spyRecorder struct {
	mu          sync.Mutex
	runs        map[string]int
	transitions []string
	billed      int64
	llmStatuses []string
}

func newSpyRecorder() *spyRecorder {
	return &spyRecorder{runs: map[string]int{}}
}

func (s *spyRecorder) RecordRun(mode, outcome string, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[mode+"/"+outcome]++
}

func (s *spyRecorder) RecordStateTransition(_, from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, from+">"+to)
}

func (s *spyRecorder) RecordLLMRequest(_, _, status string, _ time.Duration, _, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.llmStatuses = append(s.llmStatuses, status)
}

func (s *spyRecorder) RecordBilledCredits(_ string, credits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.billed += credits
}

func (s *spyRecorder) run(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[key]
}

// harness 用真实的 sqlite 仓储、账本、访问控制，搭配模拟 provider 与缓存
type harness struct {
	t        *testing.T
	db       *gorm.DB
	ledger   *ledger.Ledger
	gate     *access.Gate
	convs    *conversation.Store
	provider *mocks.MockProvider
	cache    cache.CompletionCache
	spy      *mocks.SpyCache
	metrics  *spyRecorder
	orch     *Orchestrator

	creatorID string
}

type harnessOption func(*Deps, *Config)

func testRates() Rates {
	return Rates{Default: 0.1, Table: map[string]float64{"premium": 1}}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	db := testutil.NewTestDB(t, store.AllModels()...)
	policy := database.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	h := &harness{
		t:        t,
		db:       db,
		ledger:   ledger.New(db, zap.NewNop(), ledger.WithRetryPolicy(policy)),
		convs:    conversation.NewStore(db, zap.NewNop()),
		provider: mocks.NewMockProvider(),
		spy:      mocks.NewSpyCache(),
		metrics:  newSpyRecorder(),
	}
	h.cache = h.spy
	h.gate = access.New(db, h.ledger, access.Config{CreatorShare: 0.8, Retry: policy}, zap.NewNop())

	deps := Deps{
		Agents:        store.NewAgentRepo(db),
		Users:         store.NewUserRepo(db),
		Conversations: h.convs,
		Access:        h.gate,
		Ledger:        h.ledger,
		Cache:         h.cache,
		Provider:      h.provider,
		Metrics:       h.metrics,
		Logger:        zap.NewNop(),
	}
	cfg := DefaultConfig()
	cfg.Rates = testRates()
	cfg.ProviderTimeout = 5 * time.Second
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	if c, ok := deps.Cache.(*mocks.SpyCache); ok {
		h.spy = c
	}
	h.cache = deps.Cache

	orch, err := New(deps, cfg)
	require.NoError(t, err)
	h.orch = orch
	h.creatorID = h.user(0)
	return h
}

func withCache(c cache.CompletionCache) harnessOption {
	return func(d *Deps, _ *Config) { d.Cache = c }
}

func (h *harness) user(credits int64) string {
	h.t.Helper()
	u := &store.User{Name: "user"}
	require.NoError(h.t, store.NewUserRepo(h.db).Create(context.Background(), u))
	if credits > 0 {
		_, err := h.ledger.Credit(context.Background(), ledger.Entry{UserID: u.ID, Type: store.TxCreditPurchase, Amount: credits})
		require.NoError(h.t, err)
	}
	return u.ID
}

func (h *harness) agent(price int64, temperature float64) *store.Agent {
	h.t.Helper()
	a := &store.Agent{
		Name:         "helper",
		Instructions: "You are helpful.",
		Model:        "mock-model",
		ModelParams:  llm.ModelParams{Temperature: llm.Float64(temperature)},
		Price:        price,
		CreatorID:    h.creatorID,
	}
	require.NoError(h.t, store.NewAgentRepo(h.db).Create(context.Background(), a))
	return a
}

// buyer 创建一个已购买 agent 的用户
func (h *harness) buyer(a *store.Agent, credits int64) string {
	h.t.Helper()
	id := h.user(credits + a.Price)
	_, err := h.gate.Purchase(context.Background(), id, a.ID)
	require.NoError(h.t, err)
	return id
}

func (h *harness) balance(userID string) int64 {
	h.t.Helper()
	b, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(h.t, err)
	return b
}

func (h *harness) usageEntries(userID string) []store.Transaction {
	h.t.Helper()
	var out []store.Transaction
	require.NoError(h.t, h.db.Where("user_id = ? AND type = ?", userID, store.TxAgentUsage).Find(&out).Error)
	return out
}

func (h *harness) messages(convID string) []store.Message {
	h.t.Helper()
	msgs, err := h.convs.ListRecentMessages(context.Background(), convID, 100)
	require.NoError(h.t, err)
	return msgs
}

func (h *harness) usageCount(agentID string) int64 {
	h.t.Helper()
	a, err := store.NewAgentRepo(h.db).Get(context.Background(), agentID)
	require.NoError(h.t, err)
	return a.UsageCount
}

// collector 收集流式事件，可在第 N 个 delta 时模拟断开
type collector struct {
	mu         sync.Mutex
	events     []Event
	failAt     int
	onDelta    func()
	deltaCount int
}

func (c *collector) sink(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	if e.Type == EventDelta {
		c.deltaCount++
		if c.onDelta != nil {
			c.onDelta()
		}
		if c.failAt > 0 && c.deltaCount >= c.failAt {
			return context.Canceled
		}
	}
	return nil
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) text() string {
	var out string
	for _, e := range c.snapshot() {
		if e.Type == EventDelta {
			out += e.Delta
		}
	}
	return out
}

func nopLogger() *zap.Logger { return zap.NewNop() }
