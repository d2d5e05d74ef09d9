// Package telemetry 封装 OpenTelemetry SDK 初始化，为 HTTP 中间件与运行流水线
// 提供 Tracer 和 Meter。遥测关闭时使用 noop 实现，不连接任何外部服务。
package telemetry
