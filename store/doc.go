/*
Package store 定义持久化模型（gorm）以及 Agent / User 仓储。

  - User：账户与缓存余额（credits + version 乐观锁）
  - Agent：模型、类型化参数、价格、创作者、使用计数
  - Conversation / Message：会话与只追加的消息
  - Transaction：只追加的账本流水，(user_id, type, idempotency_key) 唯一
  - Purchase：所有权记录，(user_id, agent_id) 唯一

所有主键为 UUIDv7。仓储把 gorm.ErrRecordNotFound 翻译为 NOT_FOUND，
其余数据库错误翻译为可重试的 SERVICE_UNAVAILABLE。
*/
package store
