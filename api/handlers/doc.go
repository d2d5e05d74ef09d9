/*
Package handlers 实现 agentmarket 的 HTTP 接口。

# 核心类型

  - AgentHandler：同步运行、SSE 流、WebSocket 流、购买与访问检查
  - AccountHandler：当前用户余额与账本流水
  - ModelsHandler：缓存的上游模型列表
  - HealthHandler：/health、/healthz、/ready、/version
  - Response / ErrorInfo：统一 JSON 信封
  - ResponseWriter：捕获状态码，供中间件使用

# 错误处理

WriteError 接受任意 error。*types.Error 按 HTTPStatus 或错误码映射状态码，
INSUFFICIENT_CREDITS 额外回传 required 与 available；其他错误一律返回
500 INTERNAL_ERROR，不暴露内部细节。

调用方身份由鉴权中间件通过 types.WithUserID 注入，handler 用 CallerID 读取。
*/
package handlers
