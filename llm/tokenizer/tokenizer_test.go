package tokenizer

import (
	"testing"

	"github.com/BaSui01/agentmarket/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimator_CountTokens(t *testing.T) {
	e := NewEstimatorTokenizer()

	n, err := e.CountTokens("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, _ = e.CountTokens("abcdefgh")
	assert.Equal(t, 2, n)

	n, _ = e.CountTokens("你好世")
	assert.Equal(t, 2, n)

	n, _ = e.CountTokens("a")
	assert.Equal(t, 1, n, "non-empty text is at least one token")
}

func TestEstimator_CountMessages(t *testing.T) {
	e := NewEstimatorTokenizer()
	n, err := e.CountMessages([]llm.Message{
		{Role: llm.RoleUser, Content: "abcdefgh"},
		{Role: llm.RoleAssistant, Content: "abcd"},
	})
	require.NoError(t, err)
	assert.Equal(t, (2+4)+(1+4)+3, n)
}

func TestNewTiktokenTokenizer_ModelMatching(t *testing.T) {
	tk, ok := NewTiktokenTokenizer("gpt-4o-mini-2024-07-18")
	require.True(t, ok)
	assert.Equal(t, "tiktoken[o200k_base]", tk.Name())

	tk, ok = NewTiktokenTokenizer("gpt-4-0613")
	require.True(t, ok)
	assert.Equal(t, "tiktoken[cl100k_base]", tk.Name())

	_, ok = NewTiktokenTokenizer("claude-3-haiku")
	assert.False(t, ok)
}

func TestRegistry_ForModel(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, "estimator", r.ForModel("claude-3-haiku").Name())
	assert.Equal(t, "tiktoken[o200k_base]+estimator", r.ForModel("GPT-4o").Name())
	assert.Same(t, r.ForModel("gpt-4o"), r.ForModel("GPT-4O"))
}

type failingTokenizer struct{}

func (failingTokenizer) CountTokens(string) (int, error)           { return 0, assert.AnError }
func (failingTokenizer) CountMessages([]llm.Message) (int, error) { return 0, assert.AnError }
func (failingTokenizer) Name() string                             { return "failing" }

func TestFallbackTokenizer(t *testing.T) {
	f := &fallbackTokenizer{primary: failingTokenizer{}, fallback: NewEstimatorTokenizer()}

	n, err := f.CountTokens("abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.CountMessages([]llm.Message{{Role: llm.RoleUser, Content: "x"}})
	require.NoError(t, err)
}
