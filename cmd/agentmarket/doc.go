/*
Package main 提供 AgentMarket 服务端程序入口。

# 子命令

  - serve：装配全部组件并启动 API 与 Metrics 两个端口
  - migrate：基于 golang-migrate 的版本化迁移（up、down、steps、goto、force、status 等）
  - health：请求 /health 或 /ready，供容器探针使用
  - version：输出构建时注入的 Version、BuildTime、GitCommit

# 中间件链

从外到内依次为 Recovery、RequestID、OTelTracing、SecurityHeaders、
RequestLogger、MetricsMiddleware、CORS、JWTAuth、RateLimiter。
RateLimiter 位于 JWTAuth 之后，已认证请求按用户限流，匿名请求按 IP。

# 关闭顺序

收到信号后先停止 HTTP 服务并排空流式请求，再等待编排器的后台缓存写入，
最后关闭 Redis、数据库连接池与遥测导出器。
*/
package main
