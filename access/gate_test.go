package access

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/agentmarket/internal/database"
	"github.com/BaSui01/agentmarket/ledger"
	"github.com/BaSui01/agentmarket/store"
	"github.com/BaSui01/agentmarket/testutil"
	"github.com/BaSui01/agentmarket/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	gate   *Gate
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, store.AllModels()...)
	policy := database.RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	l := ledger.New(db, zap.NewNop(), ledger.WithRetryPolicy(policy))
	return &fixture{
		db:     db,
		ledger: l,
		gate:   New(db, l, Config{CreatorShare: 0.8, Retry: policy}, zap.NewNop(), opts...),
	}
}

func (f *fixture) user(t *testing.T, credits int64) string {
	t.Helper()
	u := &store.User{Name: "user"}
	require.NoError(t, store.NewUserRepo(f.db).Create(context.Background(), u))
	if credits > 0 {
		_, err := f.ledger.Credit(context.Background(), ledger.Entry{UserID: u.ID, Type: store.TxCreditPurchase, Amount: credits})
		require.NoError(t, err)
	}
	return u.ID
}

func (f *fixture) agent(t *testing.T, creatorID string, price int64) *store.Agent {
	t.Helper()
	a := &store.Agent{Name: "writer", Model: "gpt-4o", Price: price, CreatorID: creatorID}
	require.NoError(t, store.NewAgentRepo(f.db).Create(context.Background(), a))
	return a
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func TestCheckAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 0)
	buyer := f.user(t, 100)
	stranger := f.user(t, 0)

	free := f.agent(t, creator, 0)
	paid := f.agent(t, creator, 50)

	ok, err := f.gate.CheckAccess(ctx, stranger, free.ID)
	require.NoError(t, err)
	assert.True(t, ok, "free agents are open")

	ok, err = f.gate.CheckAccess(ctx, creator, paid.ID)
	require.NoError(t, err)
	assert.True(t, ok, "creators always have access")

	ok, err = f.gate.CheckAccess(ctx, buyer, paid.ID)
	require.NoError(t, err)
	assert.False(t, ok, "no purchase record fails closed")

	_, err = f.gate.Purchase(ctx, buyer, paid.ID)
	require.NoError(t, err)

	ok, err = f.gate.CheckAccess(ctx, buyer, paid.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.gate.CheckAccess(ctx, buyer, "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestPurchase_SplitsRevenue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 0)
	buyer := f.user(t, 100)
	a := f.agent(t, creator, 50)

	p, err := f.gate.Purchase(ctx, buyer, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.Price)

	assert.Equal(t, int64(50), f.balance(t, buyer))
	assert.Equal(t, int64(40), f.balance(t, creator))
	assert.NoError(t, f.ledger.Verify(ctx, buyer))
	assert.NoError(t, f.ledger.Verify(ctx, creator))

	entries, err := f.ledger.Entries(ctx, creator, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.TxAgentSale, entries[0].Type)
	require.NotNil(t, entries[0].ReferenceID)
	assert.Equal(t, a.ID, *entries[0].ReferenceID)
}

func TestPurchase_PerAgentShareOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 0)
	buyer := f.user(t, 100)

	bps := 5000
	a := &store.Agent{Name: "half", Model: "m", Price: 33, CreatorID: creator, CreatorShareBps: &bps}
	require.NoError(t, store.NewAgentRepo(f.db).Create(ctx, a))

	_, err := f.gate.Purchase(ctx, buyer, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(16), f.balance(t, creator), "floor(33 × 0.5)")
	assert.Equal(t, int64(67), f.balance(t, buyer))
}

func TestPurchase_InsufficientCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 0)
	buyer := f.user(t, 30)
	a := f.agent(t, creator, 50)

	_, err := f.gate.Purchase(ctx, buyer, a.ID)
	shortfall, ok := types.AsInsufficientCredits(err)
	require.True(t, ok)
	assert.Equal(t, int64(50), shortfall.Required)
	assert.Equal(t, int64(30), shortfall.Available)

	assert.Equal(t, int64(30), f.balance(t, buyer))
	assert.Zero(t, f.balance(t, creator))
	has, err := f.gate.CheckAccess(ctx, buyer, a.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPurchase_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 0)
	buyer := f.user(t, 500)
	free := f.agent(t, creator, 0)
	paid := f.agent(t, creator, 10)

	_, err := f.gate.Purchase(ctx, buyer, free.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrNotPurchasable))

	_, err = f.gate.Purchase(ctx, creator, paid.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyOwned))

	_, err = f.gate.Purchase(ctx, buyer, paid.ID)
	require.NoError(t, err)
	_, err = f.gate.Purchase(ctx, buyer, paid.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyOwned))

	_, err = f.gate.Purchase(ctx, buyer, "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	assert.Equal(t, int64(490), f.balance(t, buyer))
}

type failingRecorder struct{}

func (failingRecorder) RecordPurchase(context.Context, *gorm.DB, *store.Purchase) error {
	return types.NewInternalError("ownership write failed", nil)
}

// 所有权记录写入失败时，扣费和分成都必须回滚
func TestPurchase_AtomicOnOwnershipFailure(t *testing.T) {
	f := newFixture(t, WithPurchaseRecorder(failingRecorder{}))
	ctx := context.Background()
	creator := f.user(t, 0)
	buyer := f.user(t, 100)
	a := f.agent(t, creator, 50)

	_, err := f.gate.Purchase(ctx, buyer, a.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrInternalError))

	assert.Equal(t, int64(100), f.balance(t, buyer))
	assert.Zero(t, f.balance(t, creator))

	var purchases int64
	require.NoError(t, f.db.Model(&store.Purchase{}).Count(&purchases).Error)
	assert.Zero(t, purchases)

	entries, err := f.ledger.Entries(ctx, buyer, 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the seed credit remains")
}

func TestSaleCredit(t *testing.T) {
	g := New(nil, nil, Config{}, nil)
	bad := 20000

	tests := []struct {
		name  string
		agent store.Agent
		want  int64
	}{
		{"default share", store.Agent{Price: 50}, 40},
		{"floors", store.Agent{Price: 7}, 5},
		{"invalid override ignored", store.Agent{Price: 10, CreatorShareBps: &bad}, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.SaleCredit(&tt.agent))
		})
	}
}

type countingTransactor struct {
	pool  *database.PoolManager
	calls int
}

func (c *countingTransactor) WithTransactionRetry(ctx context.Context, policy database.RetryPolicy, fn database.TransactionFunc) error {
	c.calls++
	return c.pool.WithTransactionRetry(ctx, policy, fn)
}

func TestPurchase_RunsThroughPoolManager(t *testing.T) {
	db := testutil.NewTestDB(t, store.AllModels()...)
	pool, err := database.NewPoolManager(db, "sqlite", database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, nil, zap.NewNop())
	require.NoError(t, err)
	txr := &countingTransactor{pool: pool}

	f := &fixture{db: db, ledger: ledger.New(db, zap.NewNop())}
	f.gate = New(db, f.ledger, Config{CreatorShare: 0.8}, zap.NewNop(), WithTransactor(txr))
	ctx := context.Background()
	creator := f.user(t, 0)
	buyer := f.user(t, 100)
	a := f.agent(t, creator, 50)

	_, err = f.gate.Purchase(ctx, buyer, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, txr.calls)
	assert.Equal(t, int64(50), f.balance(t, buyer))
	assert.Equal(t, int64(40), f.balance(t, creator))
}
