/*
包 database 提供基于 GORM 的数据库连接池管理与带重试的事务执行。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 与 WithTransactionRetry。
  - PoolConfig：最大空闲/打开连接数、生命周期、健康检查间隔。
  - RetryPolicy / RunInTx：事务重试。事务函数返回 ErrRetryTx（乐观锁冲突）
    或数据库报告死锁、序列化失败、锁等待时，回滚并以指数退避重跑整个事务。

账本扣费依赖 RunInTx 实现“读-校验-写”的乐观并发控制。
*/
package database
