package tokenizer

import (
	"unicode"

	"github.com/BaSui01/agentmarket/llm"
)

// 估算参数：中日韩字符约 1.5 字符/token，其余约 4 字符/token
const (
	cjkCharsPerToken   = 1.5
	otherCharsPerToken = 4.0

	// 每条消息的角色与分隔符开销，以及整段对话的起止标记
	perMessageOverhead = 4
	replyPrimer        = 3
)

// EstimatorTokenizer 按字符数估算 token，用于 tiktoken 不认识的模型。
// 历史裁剪只需要偏保守的上界，不追求精确。
type EstimatorTokenizer struct{}

// NewEstimatorTokenizer 创建估算器
func NewEstimatorTokenizer() *EstimatorTokenizer {
	return &EstimatorTokenizer{}
}

func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}

	n := int(float64(cjk)/cjkCharsPerToken + float64(other)/otherCharsPerToken)
	return max(n, 1), nil
}

func (e *EstimatorTokenizer) CountMessages(messages []llm.Message) (int, error) {
	total := replyPrimer
	for _, msg := range messages {
		n, _ := e.CountTokens(msg.Content)
		total += n + perMessageOverhead
	}
	return total, nil
}

func (e *EstimatorTokenizer) Name() string {
	return "estimator"
}

// isCJK 汉字、假名、谚文以及全角标点
func isCJK(r rune) bool {
	switch {
	case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul):
		return true
	case r >= 0x3000 && r <= 0x303F, r >= 0xFF00 && r <= 0xFFEF:
		return true
	}
	return false
}
