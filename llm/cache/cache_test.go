package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentmarket/llm"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingRecorder struct {
	mu     sync.Mutex
	hits   map[string]int
	misses map[string]int
	errors map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{hits: map[string]int{}, misses: map[string]int{}, errors: map[string]int{}}
}

func (r *countingRecorder) RecordCacheHit(t string)   { r.mu.Lock(); r.hits[t]++; r.mu.Unlock() }
func (r *countingRecorder) RecordCacheMiss(t string)  { r.mu.Lock(); r.misses[t]++; r.mu.Unlock() }
func (r *countingRecorder) RecordCacheError(o string) { r.mu.Lock(); r.errors[o]++; r.mu.Unlock() }

func setupRedisCache(t *testing.T, cfg Config) (*miniredis.Miniredis, *MultiLevelCache, *countingRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rec := newCountingRecorder()
	return mr, NewMultiLevelCache(rdb, cfg, zap.NewNop(), WithRecorder(rec)), rec
}

func TestMultiLevelCache_PutThenGet(t *testing.T) {
	mr, c, rec := setupRedisCache(t, DefaultConfig())
	ctx := context.Background()

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)

	c.Put(ctx, "k1", &Entry{Content: "hi", Model: "gpt-4o", Usage: llm.ChatUsage{TotalTokens: 12}}, time.Hour)

	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, 12, got.Usage.TotalTokens)
	assert.False(t, got.CreatedAt.IsZero())

	assert.True(t, mr.Exists("k1"))
	assert.Equal(t, time.Hour, mr.TTL("k1"))
	assert.Equal(t, 1, rec.hits["completion"])
	assert.Equal(t, 1, rec.misses["completion"])
}

func TestMultiLevelCache_WriteOnce(t *testing.T) {
	_, c, _ := setupRedisCache(t, Config{EnableRedis: true})
	ctx := context.Background()

	c.Put(ctx, "k", &Entry{Content: "first"}, time.Hour)
	c.Put(ctx, "k", &Entry{Content: "second"}, time.Hour)

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "first", got.Content)
}

func TestMultiLevelCache_BackfillsLocal(t *testing.T) {
	mr, c, _ := setupRedisCache(t, DefaultConfig())
	ctx := context.Background()

	other := NewMultiLevelCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), Config{EnableRedis: true}, zap.NewNop())
	other.Put(ctx, "shared", &Entry{Content: "from peer"}, time.Hour)

	got, ok := c.Get(ctx, "shared")
	require.True(t, ok)
	assert.Equal(t, "from peer", got.Content)

	// Redis 消失后仍可从 L1 读取
	mr.FlushAll()
	got, ok = c.Get(ctx, "shared")
	require.True(t, ok)
	assert.Equal(t, "from peer", got.Content)
}

func TestMultiLevelCache_RedisDownDegradesToMiss(t *testing.T) {
	mr, c, rec := setupRedisCache(t, Config{EnableRedis: true, OpTimeout: 50 * time.Millisecond})
	mr.Close()
	ctx := context.Background()

	c.Put(ctx, "k", &Entry{Content: "x"}, time.Hour)
	_, ok := c.Get(ctx, "k")

	assert.False(t, ok)
	assert.Equal(t, 1, rec.errors["put"])
	assert.Equal(t, 1, rec.errors["get"])
}

func TestMultiLevelCache_CorruptEntryIsMiss(t *testing.T) {
	mr, c, _ := setupRedisCache(t, Config{EnableRedis: true})
	require.NoError(t, mr.Set("bad", "{not json"))

	_, ok := c.Get(context.Background(), "bad")
	assert.False(t, ok)
}

func TestMultiLevelCache_LocalOnly(t *testing.T) {
	c := NewMultiLevelCache(nil, Config{EnableLocal: true, LocalMaxSize: 10, LocalTTL: time.Minute}, nil)
	ctx := context.Background()

	c.Put(ctx, "k", &Entry{Content: "local"}, time.Hour)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "local", got.Content)
}
