package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupManager(t *testing.T) (*miniredis.Miniredis, Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedisManager(rdb, "", zap.NewNop())
}

func TestGenerateKey(t *testing.T) {
	_, m := setupManager(t)

	k1, err := m.GenerateKey("user-1", "agent-1", "abc")
	require.NoError(t, err)
	k2, err := m.GenerateKey("user-1", "agent-1", "abc")
	require.NoError(t, err)
	k3, err := m.GenerateKey("user-2", "agent-1", "abc")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64)

	_, err = m.GenerateKey()
	assert.Error(t, err)
}

func TestClaimSetGet(t *testing.T) {
	mr, m := setupManager(t)
	ctx := context.Background()

	ok, err := m.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must fail")

	_, _, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, m.Set(ctx, "k", map[string]string{"response": "hi"}, 0))
	data, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"response":"hi"}`, string(data))
	assert.Equal(t, DefaultTTL, mr.TTL("idempotency:run:k"))
}

func TestRelease_OnlyRemovesPending(t *testing.T) {
	_, m := setupManager(t)
	ctx := context.Background()

	_, err := m.Claim(ctx, "pending", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "pending"))

	ok, err := m.Claim(ctx, "pending", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released key must be claimable again")

	require.NoError(t, m.Set(ctx, "done", "result", time.Minute))
	require.NoError(t, m.Release(ctx, "done"))
	_, found, err := m.Get(ctx, "done")
	require.NoError(t, err)
	assert.True(t, found, "completed result must survive Release")
}

func TestGet_Missing(t *testing.T) {
	_, m := setupManager(t)

	_, found, err := m.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}
