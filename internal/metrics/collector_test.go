package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmarket/internal/database"
	"github.com/BaSui01/agentmarket/ledger"
	"github.com/BaSui01/agentmarket/llm/cache"
	"github.com/BaSui01/agentmarket/pipeline"
)

var (
	_ pipeline.Recorder      = (*Collector)(nil)
	_ cache.Recorder         = (*Collector)(nil)
	_ ledger.Recorder        = (*Collector)(nil)
	_ database.StatsRecorder = (*Collector)(nil)
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.llmRequestsTotal)
	assert.NotNil(t, collector.runsTotal)
	assert.NotNil(t, collector.ledgerEntries)
	assert.NotNil(t, collector.cacheErrors)
}

func TestNewCollector_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() { NewCollector(nextTestNamespace(), nil) })
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("POST", "/api/v1/agents/{id}/run", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("POST", "/api/v1/agents/{id}/run", 201, 50*time.Millisecond, 512, 1024)
	collector.RecordHTTPRequest("POST", "/api/v1/agents/{id}/run", 402, 5*time.Millisecond, 64, 128)

	// 2xx 合并为一个序列
	assert.Equal(t, 2, testutil.CollectAndCount(collector.httpRequestsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/v1/agents/{id}/run", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/v1/agents/{id}/run", "4xx")))
}

func TestCollector_RecordLLMRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordLLMRequest("openai", "gpt-4o", "success", 500*time.Millisecond, 100, 50)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.llmRequestsTotal.WithLabelValues("openai", "gpt-4o", "success")))
	assert.Equal(t, float64(100), testutil.ToFloat64(collector.llmTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt")))
	assert.Equal(t, float64(50), testutil.ToFloat64(collector.llmTokensUsed.WithLabelValues("openai", "gpt-4o", "completion")))
}

func TestCollector_RecordLLMRequest_FailureHasNoTokens(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordLLMRequest("openai", "gpt-4o", "error", time.Second, 0, 0)

	assert.Equal(t, 1, testutil.CollectAndCount(collector.llmRequestsTotal))
	assert.Equal(t, 0, testutil.CollectAndCount(collector.llmTokensUsed))
}

func TestCollector_RunMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordRun("run", "success", 200*time.Millisecond)
	collector.RecordRun("stream", "cancelled", time.Second)
	collector.RecordStateTransition("run", "validating", "authorizing")
	collector.RecordBilledCredits("agent-1", 3)
	collector.RecordBilledCredits("agent-1", 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.runsTotal.WithLabelValues("run", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.runsTotal.WithLabelValues("stream", "cancelled")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.stateTransitions.WithLabelValues("run", "validating", "authorizing")))
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.billedCredits.WithLabelValues("agent-1")))
}

func TestCollector_RecordLedgerEntry(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordLedgerEntry("agent_usage", ledger.OutcomeApplied)
	collector.RecordLedgerEntry("agent_usage", ledger.OutcomeApplied)
	collector.RecordLedgerEntry("agent_purchase", ledger.OutcomeRejected)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.ledgerEntries.WithLabelValues("agent_usage", ledger.OutcomeApplied)))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.ledgerEntries.WithLabelValues("agent_purchase", ledger.OutcomeRejected)))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("redis")
	collector.RecordCacheMiss("redis")
	collector.RecordCacheError("get")

	assert.Greater(t, testutil.CollectAndCount(collector.cacheHits), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.cacheMisses), 0)
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.cacheErrors.WithLabelValues("get")))
}

func TestCollector_UpdateConnectionPool(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBConnections("primary", 10, 5)
	collector.RecordDBConnections("primary", 8, 2)

	assert.Equal(t, float64(8), testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("primary")))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("primary")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("GET", "/api/v1/models", 200, 100*time.Millisecond, 0, 2048)
			collector.RecordLLMRequest("openai", "gpt-4o", "success", 500*time.Millisecond, 100, 50)
			collector.RecordCacheHit("local")
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/api/v1/models", "2xx")))
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.llmRequestsTotal.WithLabelValues("openai", "gpt-4o", "success")))
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.cacheHits.WithLabelValues("local")))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{304, "3xx"},
		{402, "4xx"},
		{504, "5xx"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.code))
	}
}
