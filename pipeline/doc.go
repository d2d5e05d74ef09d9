/*
包 pipeline 实现 Agent 的执行与计费流水线。

# 状态机

每次运行依次经过 Validating → Authorizing → Preparing → Dispatching →
Persisting → Done，任何阶段都可能进入 Failed。用户消息在调用上游之前落库；
此后的任何失败都会留下一条失败消息（消费方断开时为取消标记）。

# 缓存与计费

确定性请求（temperature ≤ 0.1 且调用方未要求跳过）先查补全缓存；命中同样按
缓存中的用量计费并写入新的助手消息。计费只针对付费 Agent：
cost = ceil(tokens × rate(model))，助手消息与 agent_usage 扣费在同一事务内写入，
扣费以消息 ID 作为幂等键。

# 流式

Relay 把上游帧逐帧推给 Sink。Sink 返回错误即视为消费方断开：上游立即取消，
已累积内容既不缓存也不计费。完整结束后以 stream=false 推导的键异步写缓存，
Wait 可等待这些后台写入。
*/
package pipeline
