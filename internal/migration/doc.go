// 版权所有 2025 StepFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 为检查点存储提供数据库 Schema 迁移管理能力，支持
PostgreSQL、MySQL 与 SQLite 三种数据库，基于 golang-migrate 实现。

# 概述

本包通过 embed.FS 内嵌各数据库方言的 SQL 迁移文件，结合
golang-migrate 引擎实现版本化的 Schema 变更管理。迁移文件创建
step_checkpoints 与 task_checkpoints 两张表，与 store.SQLStore 的
数据模型保持一致。支持正向迁移、回滚、按步执行、跳转到指定版本
以及强制设置版本号等操作。

# 核心接口与类型

  - Migrator：迁移器接口，定义 Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close 等完整操作集。
  - DefaultMigrator：Migrator 的默认实现，封装 golang-migrate 实例
    与数据库连接管理。SQLite 使用 modernc 纯 Go 驱动，无需 cgo。
  - Config：迁移配置，包含数据库类型、连接 URL、迁移表名与锁超时。
  - DatabaseType：数据库类型枚举（postgres/mysql/sqlite）。
  - MigrationStatus / MigrationInfo：迁移状态与摘要信息。
  - CLI：命令行交互层，封装 Migrator 提供子命令分发与格式化输出。

# 主要能力

  - 多数据库支持：通过 DatabaseType 与内嵌 SQL 文件自动适配方言。
  - 工厂函数：NewMigratorFromStoreConfig 复用 SQL 存储配置的驱动名
    与 DSN，NewMigratorFromURL 直接从类型字符串与 URL 创建。
  - CLI 集成：CLI.Run 分发 up/down/status 等子命令，供
    cmd/stepflow 的 migrate 模式调用。
  - 辅助工具：ParseDatabaseType 解析类型字符串，BuildDatabaseURL
    按方言拼接连接 URL（MySQL 自动附加 multiStatements）。
*/
package migration
