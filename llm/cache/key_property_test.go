package cache

import (
	"testing"

	"github.com/BaSui01/agentmarket/llm"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pgregory.net/rapid"
)

func drawRequest(t *rapid.T) *llm.ChatRequest {
	n := rapid.IntRange(1, 4).Draw(t, "messages")
	msgs := make([]llm.Message, n)
	for i := range msgs {
		msgs[i] = llm.Message{
			Role:    llm.Role(rapid.SampledFrom([]string{"system", "user", "assistant"}).Draw(t, "role")),
			Content: rapid.String().Draw(t, "content"),
		}
	}
	req := &llm.ChatRequest{
		Model:    rapid.SampledFrom([]string{"gpt-4o", "gpt-4o-mini", "claude-3-haiku"}).Draw(t, "model"),
		Messages: msgs,
	}
	if rapid.Bool().Draw(t, "has_temp") {
		req.Params.Temperature = llm.Float64(rapid.Float64Range(0, 2).Draw(t, "temp"))
	}
	if rapid.Bool().Draw(t, "has_max") {
		req.Params.MaxTokens = llm.Int(rapid.IntRange(1, 8000).Draw(t, "max"))
	}
	if rapid.Bool().Draw(t, "has_seed") {
		req.Params.Seed = llm.Int64(rapid.Int64().Draw(t, "seed"))
	}
	return req
}

// 相同可见输入 → 相同键，且与流式标志无关
func TestProperty_KeyOfDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		req := drawRequest(rt)
		clone := req.Clone()
		clone.Stream = !req.Stream

		if KeyOf(req) != KeyOf(clone) {
			rt.Fatalf("keys differ for identical inputs")
		}
	})
}

// 修改任一消息内容 → 不同键
func TestProperty_KeyOfInjectiveOnContent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		req := drawRequest(rt)
		idx := rapid.IntRange(0, len(req.Messages)-1).Draw(rt, "idx")
		suffix := rapid.StringN(1, 8, -1).Draw(rt, "suffix")

		mutated := req.Clone()
		mutated.Messages[idx].Content += suffix

		if KeyOf(req) == KeyOf(mutated) {
			rt.Fatalf("content change did not change key")
		}
	})
}

func TestProperty_MaxTokensChangesKey(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("distinct max_tokens produce distinct keys", prop.ForAll(
		func(a, b int, content string) bool {
			r1 := &llm.ChatRequest{Model: "m", Messages: []llm.Message{{Role: llm.RoleUser, Content: content}},
				Params: llm.ModelParams{MaxTokens: llm.Int(a)}}
			r2 := &llm.ChatRequest{Model: "m", Messages: []llm.Message{{Role: llm.RoleUser, Content: content}},
				Params: llm.ModelParams{MaxTokens: llm.Int(b)}}
			return (a == b) == (KeyOf(r1) == KeyOf(r2))
		},
		gen.IntRange(1, 4096),
		gen.IntRange(1, 4096),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
