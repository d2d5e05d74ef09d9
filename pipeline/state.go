package pipeline

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// State 一次运行所处的阶段
type State string

const (
	StateValidating  State = "validating"
	StateAuthorizing State = "authorizing"
	StatePreparing   State = "preparing"
	StateDispatching State = "dispatching"
	StatePersisting  State = "persisting"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// validTransitions 定义合法的状态转换，Failed 可从任何非终止状态进入
var validTransitions = map[State][]State{
	StateValidating:  {StateAuthorizing, StateFailed},
	StateAuthorizing: {StatePreparing, StateFailed},
	StatePreparing:   {StateDispatching, StateFailed},
	StateDispatching: {StatePersisting, StateFailed},
	StatePersisting:  {StateDone, StateFailed},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition 非法状态转换错误
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// runState 跟踪单次运行的状态，只在一个 goroutine 内使用
type runState struct {
	state   State
	entered time.Time
	mode    string
	metrics Recorder
	logger  *zap.Logger
}

func newRunState(mode string, metrics Recorder, logger *zap.Logger) *runState {
	return &runState{
		state:   StateValidating,
		entered: time.Now(),
		mode:    mode,
		metrics: metrics,
		logger:  logger,
	}
}

func (r *runState) Current() State { return r.state }

// to 推进到下一个状态；非法转换属于编程错误，返回 ErrInvalidTransition
func (r *runState) to(next State) error {
	from := r.state
	if !CanTransition(from, next) {
		return ErrInvalidTransition{From: from, To: next}
	}
	r.state = next
	r.metrics.RecordStateTransition(r.mode, string(from), string(next))
	r.logger.Debug("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.Duration("elapsed", time.Since(r.entered)),
	)
	r.entered = time.Now()
	return nil
}

// fail 进入 Failed；已经是终止状态时不做任何事
func (r *runState) fail() {
	if r.state == StateDone || r.state == StateFailed {
		return
	}
	_ = r.to(StateFailed)
}
