// Package providers 收纳上游模型服务实现共用的错误映射，以及包装任意 llm.Provider 的
// 连接阶段重试（RetryableProvider）与熔断（BreakerProvider）。
// 具体协议实现位于子包（目前为 openaicompat）。
package providers
