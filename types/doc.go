/*
Package types 提供 agentmarket 服务的全局共享类型定义。

types 是最底层的公共包，不依赖任何内部包，为 llm、ledger、access、
pipeline、api 等上层模块提供统一的错误码与 Context 约定。

# 错误体系

  - Error / ErrorCode - 结构化错误，含 HTTP 状态码、Retryable、Provider 标记
  - CreditShortfall   - INSUFFICIENT_CREDITS 错误附带的 {required, available}
  - NewNotFoundError / NewForbiddenError / NewValidationError
  - NewInsufficientCreditsError / NewUpstreamError / NewInternalError
  - AsError / AsInsufficientCredits / IsErrorCode / IsRetryable（均基于 errors.As）

# Context 传播

WithUserID / WithRequestID / WithTraceID 及对应的读取函数。
*/
package types
