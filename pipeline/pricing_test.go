package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRates_RateFor(t *testing.T) {
	r := Rates{
		Default: 0.5,
		Table: map[string]float64{
			"gpt-4":       3,
			"gpt-4o":      2,
			"gpt-4o-mini": 1,
			"claude":      4,
		},
	}

	tests := []struct {
		model string
		want  float64
	}{
		{"gpt-4o-mini-2024-07-18", 1},
		{"GPT-4o", 2},
		{"openai/gpt-4-turbo", 3},
		{"Claude-3-Opus", 4},
		{"llama-3", 0.5},
		{"", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, r.RateFor(tt.model))
		})
	}
}

func TestRates_Cost(t *testing.T) {
	r := Rates{Default: 0.1}

	assert.Equal(t, int64(3), r.Cost("m", 30))
	assert.Equal(t, int64(1), r.Cost("m", 1), "ceil")
	assert.Equal(t, int64(0), r.Cost("m", 0))
	assert.Equal(t, int64(0), Rates{}.Cost("m", 100))
	assert.Equal(t, int64(2), Rates{Default: 0.001}.Cost("m", 1001))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateValidating, StateAuthorizing))
	assert.True(t, CanTransition(StatePersisting, StateDone))
	assert.True(t, CanTransition(StateDispatching, StateFailed))
	assert.False(t, CanTransition(StateValidating, StateDispatching))
	assert.False(t, CanTransition(StateDone, StateFailed))
	assert.False(t, CanTransition(StateFailed, StateValidating))

	err := ErrInvalidTransition{From: StateDone, To: StateFailed}
	assert.Equal(t, "invalid state transition: done -> failed", err.Error())
}

func TestRunState_FailIsIdempotent(t *testing.T) {
	spy := newSpyRecorder()
	st := newRunState("run", spy, nopLogger())
	assert.NoError(t, st.to(StateAuthorizing))
	assert.Error(t, st.to(StateDone))
	st.fail()
	st.fail()
	assert.Equal(t, StateFailed, st.Current())
	assert.Equal(t, []string{"validating>authorizing", "authorizing>failed"}, spy.transitions)
}
