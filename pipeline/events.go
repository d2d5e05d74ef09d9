package pipeline

import (
	"errors"

	"github.com/BaSui01/agentmarket/types"
)

// ErrConsumerGone 流式消费方断开（sink 返回错误或请求上下文被取消）
var ErrConsumerGone = errors.New("stream consumer disconnected")

// EventType 流式事件类型
type EventType string

const (
	EventDelta EventType = "delta"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event 推送给流式消费方的一帧
type Event struct {
	Type   EventType  `json:"type"`
	Delta  string     `json:"delta,omitempty"`
	Result *RunResult `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo 终止错误帧的内容
type ErrorInfo struct {
	Code      types.ErrorCode `json:"code"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

// Sink 接收事件帧。返回错误表示消费方已断开，上游会被立即取消。
type Sink func(Event) error

func errorEvent(err error) Event {
	info := &ErrorInfo{Code: types.ErrInternalError, Message: "internal error"}
	if e, ok := types.AsError(err); ok {
		info.Code = e.Code
		info.Message = e.Message
		info.Retryable = e.Retryable
	}
	return Event{Type: EventError, Error: info}
}
