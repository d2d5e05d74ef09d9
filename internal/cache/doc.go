// Package cache 管理进程内共享的 Redis 连接：启动探活、后台健康检查与关闭。
// 补全缓存（llm/cache）与请求重放（llm/idempotency）都从 Manager.Client 取得客户端。
package cache
