/*
包 ledger 实现只追加的积分账本。

users.credits 是缓存余额，transactions 是流水日志，二者在同一事务内更新，
任意时刻 sum(transactions.amount) == users.credits，可以用 Verify 校验。

# 扣费

Debit 在事务中执行“读余额-校验-写”：先按 (user_id, type, idempotency_key)
查找已有流水，存在则原样返回；否则读取余额与版本号，余额不足返回
INSUFFICIENT_CREDITS 且不写任何数据；通过版本号条件更新余额，0 行受影响视为
并发冲突，整个事务按 internal/database 的退避策略重跑。

# 用量记账

RecordUsage 把助手消息与 agent_usage 扣费放进同一事务，扣费的幂等键就是消息 ID，
因此同一条消息无论重放多少次都只扣一次。
*/
package ledger
