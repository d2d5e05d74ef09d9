/*
包 cache 提供补全结果的确定性缓存：缓存键推导、跳过策略、
本地 LRU + Redis 两级存储，以及模型列表的长时缓存。

# 缓存键

[KeyOf] 对 {model, 全部消息, temperature, max_tokens, top_p,
frequency_penalty, presence_penalty, response_format, stop, seed}
做规范化序列化（先代入默认值）后取 SHA-256，结果带 "llm:completion:"
命名空间前缀。调用方显式给出的缓存键原样使用，前缀为
"llm:completion:custom:"。流式标志永远不参与键的计算。

# 跳过策略

[ShouldSkip]：调用方要求跳过，或 temperature > 0.1。
[EnsureSeed]：可缓存但未给 seed 的请求，用其可见输入的摘要派生一个
固定 seed，保证相同输入命中同一条缓存。

# 存储

[MultiLevelCache] 的 Get/Put 从不返回错误：Redis 不可用时记录日志并
按未命中处理。写入为 write-once（SETNX），命中不会触发任何写。

[ModelCatalog] 以固定键缓存上游模型列表 24 小时，不受跳过策略影响。
*/
package cache
