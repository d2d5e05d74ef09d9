/*
Package migration 管理 agentmarket 的数据库 Schema 版本。

迁移 SQL 按方言内嵌在 migrations/{postgres,mysql,sqlite} 下，通过
golang-migrate 的 iofs source 加载。sqlite 使用纯 Go 的 modernc 驱动，
不依赖 cgo。

  - Migrator / DefaultMigrator：Up、Down、Steps、Goto、Force、Status 等操作
  - NewMigratorFromConfig：从 config.Config 的 database 段创建迁移器
  - CLI：migrate 子命令的终端输出

表结构与 store 包的 gorm 模型保持一致；开发环境也可以用 store.AutoMigrate
直接建表。
*/
package migration
