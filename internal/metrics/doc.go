/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、上游 LLM、
Agent 运行流水线、账本、缓存与数据库连接池。

Collector 通过 promauto 注册所有向量指标，按 namespace 隔离。
它实现了以下接口，由 cmd 在启动时注入：

  - pipeline.Recorder：运行次数、状态转换、上游调用与扣费额度
  - cache.Recorder：补全缓存命中、未命中与后端故障
  - ledger.Recorder：账本条目 applied / replayed / rejected
  - database.StatsRecorder：连接池 open / idle 连接数
*/
package metrics
