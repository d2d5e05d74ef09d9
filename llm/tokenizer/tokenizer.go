package tokenizer

import (
	"strings"
	"sync"

	"github.com/BaSui01/agentmarket/llm"
)

// Tokenizer 是统一的 token 计数接口。
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// CountMessages 返回消息列表的总 token 数，包括每条消息的开销。
	CountMessages(messages []llm.Message) (int, error)

	// Name 返回分词器的名称.
	Name() string
}

// Registry 按模型缓存分词器实例；tiktoken 不可用时回退到估算器。
type Registry struct {
	mu    sync.Mutex
	cache map[string]Tokenizer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{cache: make(map[string]Tokenizer)}
}

// ForModel returns the tokenizer for model. OpenAI-family models get tiktoken
// (with estimator fallback if the encoding cannot be loaded); others get the estimator.
func (r *Registry) ForModel(model string) Tokenizer {
	key := strings.ToLower(model)

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.cache[key]; ok {
		return t
	}
	var t Tokenizer
	if tk, ok := NewTiktokenTokenizer(key); ok {
		t = &fallbackTokenizer{primary: tk, fallback: NewEstimatorTokenizer()}
	} else {
		t = NewEstimatorTokenizer()
	}
	r.cache[key] = t
	return t
}

// fallbackTokenizer 在 primary 出错时（例如离线环境下载不到 BPE 文件）改用 fallback。
type fallbackTokenizer struct {
	primary  Tokenizer
	fallback Tokenizer
}

func (f *fallbackTokenizer) CountTokens(text string) (int, error) {
	if n, err := f.primary.CountTokens(text); err == nil {
		return n, nil
	}
	return f.fallback.CountTokens(text)
}

func (f *fallbackTokenizer) CountMessages(messages []llm.Message) (int, error) {
	if n, err := f.primary.CountMessages(messages); err == nil {
		return n, nil
	}
	return f.fallback.CountMessages(messages)
}

func (f *fallbackTokenizer) Name() string {
	return f.primary.Name() + "+" + f.fallback.Name()
}
