// Package config 提供 AgentMarket 的配置加载。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，环境变量使用
// AGENTMARKET_ 前缀，嵌套字段以下划线连接，例如 AGENTMARKET_BILLING_CREATOR_SHARE。
// 时长使用 time.ParseDuration 格式，字符串切片以逗号分隔，
// 费率表使用 key=value,key=value。
package config
