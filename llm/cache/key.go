package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/agentmarket/llm"
)

const (
	// KeyPrefix 是补全缓存键的命名空间。
	KeyPrefix = "llm:completion:"
	// CustomKeyPrefix 用于调用方显式指定的缓存键。
	CustomKeyPrefix = KeyPrefix + "custom:"
	// ModelsKey 是模型列表的固定缓存键。
	ModelsKey = "llm:models:list"

	// DeterministicThreshold 以上的 temperature 视为非确定性请求，不走缓存。
	DeterministicThreshold = 0.1
)

// canonicalRequest 字段顺序固定，encoding/json 按声明顺序输出。
type canonicalRequest struct {
	Model            string             `json:"model"`
	Messages         []canonicalMessage `json:"messages"`
	Temperature      float64            `json:"temperature"`
	MaxTokens        int                `json:"max_tokens"`
	TopP             float64            `json:"top_p"`
	FrequencyPenalty float64            `json:"frequency_penalty"`
	PresencePenalty  float64            `json:"presence_penalty"`
	ResponseFormat   string             `json:"response_format"`
	Stop             []string           `json:"stop"`
	Seed             *int64             `json:"seed"`
}

type canonicalMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func canonicalize(req *llm.ChatRequest) canonicalRequest {
	p := req.Params.Resolve()
	c := canonicalRequest{
		Model:            req.Model,
		Messages:         make([]canonicalMessage, 0, len(req.Messages)),
		Temperature:      positiveZero(p.Temperature),
		MaxTokens:        p.MaxTokens,
		TopP:             positiveZero(p.TopP),
		FrequencyPenalty: positiveZero(p.FrequencyPenalty),
		PresencePenalty:  positiveZero(p.PresencePenalty),
		ResponseFormat:   p.ResponseFormat,
		Stop:             p.Stop,
		Seed:             p.Seed,
	}
	if c.Stop == nil {
		c.Stop = []string{}
	}
	for _, m := range req.Messages {
		c.Messages = append(c.Messages, canonicalMessage{Role: string(m.Role), Content: m.Content})
	}
	return c
}

// positiveZero 把 -0 折叠为 0，否则 JSON 编码为 "-0" 会得到不同的键
func positiveZero(v float64) float64 {
	if v == 0 {
		return 0
	}
	return v
}

func digest(c canonicalRequest) [sha256.Size]byte {
	data, err := json.Marshal(c)
	if err != nil {
		// 仅含字符串/数字/切片，Marshal 不会失败；保底用 %#v 保持确定性
		data = []byte(fmt.Sprintf("%#v", c))
	}
	return sha256.Sum256(data)
}

// KeyOf derives the cache key for req. It is a pure function of the
// output-affecting inputs; the stream flag and skip flag are ignored.
func KeyOf(req *llm.ChatRequest) string {
	if req.CacheKey != "" {
		return CustomKeyPrefix + req.CacheKey
	}
	sum := digest(canonicalize(req))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// ShouldSkip reports whether req must bypass the cache entirely (no read, no write).
func ShouldSkip(req *llm.ChatRequest) bool {
	if req.SkipCache {
		return true
	}
	return req.Params.Resolve().Temperature > DeterministicThreshold
}

// EnsureSeed fixes a seed on a cacheable request that has none, derived from
// the digest of its seed-less canonical form. It mutates req and reports
// whether a seed was assigned.
func EnsureSeed(req *llm.ChatRequest) bool {
	if ShouldSkip(req) || req.Params.Seed != nil {
		return false
	}
	sum := digest(canonicalize(req))
	seed := int64(binary.BigEndian.Uint32(sum[:4]) & 0x7fffffff)
	req.Params.Seed = &seed
	return true
}
