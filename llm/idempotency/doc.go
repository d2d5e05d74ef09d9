// Package idempotency 为 Run 请求提供基于 Idempotency-Key 的结果回放。
//
// 首次请求通过 Claim 占用键，成功后 Set 写入结果；
// 重复请求通过 Get 拿到首次结果，不会再次调用模型或扣费。
package idempotency
