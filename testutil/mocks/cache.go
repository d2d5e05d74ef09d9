package mocks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentmarket/llm/cache"
)

// SpyCache 是记录访问的内存补全缓存。
// 通过 NewUntouchableCache 创建时，任何 Get/Put 都会让测试失败。
type SpyCache struct {
	mu      sync.Mutex
	entries map[string]*cache.Entry
	ttls    map[string]time.Duration
	gets    int
	puts    int
	t       *testing.T
	putCh   chan string
}

// NewSpyCache 创建可正常读写的缓存替身
func NewSpyCache() *SpyCache {
	return &SpyCache{
		entries: make(map[string]*cache.Entry),
		ttls:    make(map[string]time.Duration),
		putCh:   make(chan string, 64),
	}
}

// NewUntouchableCache 创建一旦被访问就让测试失败的缓存替身
func NewUntouchableCache(t *testing.T) *SpyCache {
	s := NewSpyCache()
	s.t = t
	return s
}

func (s *SpyCache) Get(ctx context.Context, key string) (*cache.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		s.t.Errorf("cache must not be touched: Get(%q)", key)
	}
	s.gets++
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

func (s *SpyCache) Put(ctx context.Context, key string, entry *cache.Entry, ttl time.Duration) {
	s.mu.Lock()
	if s.t != nil {
		s.t.Errorf("cache must not be touched: Put(%q)", key)
	}
	s.puts++
	if _, exists := s.entries[key]; !exists {
		cp := *entry
		s.entries[key] = &cp
		s.ttls[key] = ttl
	}
	s.mu.Unlock()

	select {
	case s.putCh <- key:
	default:
	}
}

// Entry 返回 key 对应条目
func (s *SpyCache) Entry(key string) (*cache.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// TTL 返回 key 写入时的 TTL
func (s *SpyCache) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[key]
}

// Len 返回条目数
func (s *SpyCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Counts 返回 Get / Put 调用次数
func (s *SpyCache) Counts() (gets, puts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.puts
}

// Puts 每次 Put 后推送 key，便于等待异步写入
func (s *SpyCache) Puts() <-chan string { return s.putCh }
