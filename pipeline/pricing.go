package pipeline

import (
	"math"
	"strings"
)

// DefaultRate 未匹配任何模型族时的每 token 单价（积分）
const DefaultRate = 0.001

// Rates 按模型族计价。Table 的键是小写的模型族前缀，例如 "gpt-4o"、"claude-3"。
type Rates struct {
	Default float64            `yaml:"default" json:"default"`
	Table   map[string]float64 `yaml:"table" json:"table"`
}

// DefaultRates 默认价目表
func DefaultRates() Rates {
	return Rates{
		Default: DefaultRate,
		Table: map[string]float64{
			"gpt-4o-mini": 0.0002,
			"gpt-4o":      0.005,
			"gpt-4":       0.03,
			"gpt-3.5":     0.0015,
			"o1":          0.015,
			"claude-3":    0.003,
			"gemini":      0.001,
			"deepseek":    0.0005,
			"qwen":        0.0005,
		},
	}
}

// RateFor 返回模型的单价：模型名转小写后，取被包含的最长表键；没有匹配时用 Default。
// 等长的键按字典序取较小者，结果与 map 遍历顺序无关。
func (r Rates) RateFor(model string) float64 {
	m := strings.ToLower(model)
	best, bestKey := r.Default, ""
	for k, v := range r.Table {
		key := strings.ToLower(k)
		if key == "" || !strings.Contains(m, key) {
			continue
		}
		if bestKey == "" || len(key) > len(bestKey) || (len(key) == len(bestKey) && key < bestKey) {
			best, bestKey = v, key
		}
	}
	return best
}

// Cost 返回 ceil(tokens × rate)；tokens 非正时为 0。
func (r Rates) Cost(model string, tokens int) int64 {
	if tokens <= 0 {
		return 0
	}
	rate := r.RateFor(model)
	if rate <= 0 {
		return 0
	}
	// 先四舍五入到 1e-9，避免 0.1*30 这类浮点误差把整数结果向上取整
	raw := math.Round(float64(tokens)*rate*1e9) / 1e9
	return int64(math.Ceil(raw))
}
