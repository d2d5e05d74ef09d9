/*
Package testutil 提供 agentmarket 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / CancelledContext
  - 数据库: NewTestDB 创建内存 SQLite（glebarez，纯 Go）并自动建表
  - 数据工具: MustJSON
  - 流式辅助: CollectStreamContent / SendChunksToChannel

# 子包

  - testutil/mocks: MockProvider（上游模型，支持固定响应、流式、错误注入与取消观测）
    以及 SpyCache（可记录访问、可在被触碰时让测试失败的补全缓存）
*/
package testutil
