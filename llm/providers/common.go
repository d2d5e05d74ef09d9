package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/BaSui01/agentmarket/types"
)

// MapHTTPError 将上游 HTTP 状态码映射为带有合适重试标记的 types.Error
func MapHTTPError(status int, msg string, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return types.NewError(types.ErrUnauthorized, msg).
			WithHTTPStatus(http.StatusBadGateway).WithProvider(provider)
	case http.StatusForbidden:
		return types.NewError(types.ErrForbidden, msg).
			WithHTTPStatus(http.StatusBadGateway).WithProvider(provider)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, msg).
			WithHTTPStatus(http.StatusTooManyRequests).WithRetryable(true).WithProvider(provider)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return types.NewUpstreamError(provider, msg, false)
	case http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstreamTimeout, msg).
			WithHTTPStatus(http.StatusGatewayTimeout).WithRetryable(true).WithProvider(provider)
	default:
		return types.NewUpstreamError(provider, msg, status >= 500)
	}
}

// MapTransportError 把 http.Client.Do 的错误映射为上游错误；超时单独区分。
func MapTransportError(err error, provider string) *types.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrUpstreamTimeout, err.Error()).
			WithHTTPStatus(http.StatusGatewayTimeout).WithRetryable(true).WithProvider(provider).WithCause(err)
	}
	return types.NewUpstreamError(provider, err.Error(), true).WithCause(err)
}

// ReadErrorMessage 读取响应体中的错误消息
// 尝试解析 JSON 错误响应，失败则回退到原始文本
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}

	return string(data)
}
