// Package circuitbreaker 为上游模型调用提供连续失败熔断。
//
// 状态机：closed → (连续 Threshold 次可重试失败) → open → (ResetTimeout 后) → half_open
// → 试探成功回到 closed，失败重新 open。
package circuitbreaker
