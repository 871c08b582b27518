// 版权所有 2025 StepFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 store 提供检查点持久化的存储抽象及多后端实现。

# 概述

本包定义 StepFlow 的统一存储接口 Store，负责步骤检查点与任务检查点
的保存、读取、列举与删除。通过可插拔的后端实现，使执行引擎无需关心
底层存储细节，支持从开发测试到分布式生产的平滑切换。

# 核心接口

  - Store: 检查点存储接口，提供步骤/任务两级的 CRUD、按任务级联删除、
    统计信息、Ping 健康检查与 Close 生命周期管理。
  - TaskFilter: 任务列举过滤器，支持状态、名称、时间窗口过滤与
    排序、分页。

# 后端实现

  - Memory: 内存实现，适合开发与测试，重启后数据丢失。
  - File: 基于文件的实现，原子写入 JSON 索引，适合单节点生产部署。
  - Redis: 基于 Redis 的实现，利用 Sorted Set 索引与 Pipeline 批量操作，
    适合分布式生产部署。
  - SQL: 基于 GORM 的实现，支持 PostgreSQL、MySQL 与 SQLite，
    可查询字段落列、完整检查点存于 payload。

# 错误约定

后端在记录缺失时返回包装了 ErrNotFound 的错误，调用方通过
errors.Is 判别。存储被关闭后所有操作返回 ErrStoreClosed。

# 使用方式

通过工厂函数按配置创建存储实例：

	st, err := store.New(store.Config{Type: store.StoreTypeMemory}, logger)

也可使用 MustNew 在初始化阶段快速创建。
*/
package store
