// 版权所有 2025 StepFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 checkpoint 提供检查点管理器：序列化、校验和、压缩、差异比较与垃圾回收。

# 概述

本包是 StepFlow 持久化语义的核心。Manager 将步骤的 {输入, 输出, 上下文}
三元组编码为 JSON，在未压缩字节上计算 SHA-256 校验和，当载荷超过阈值时
对各字段独立 gzip 压缩，并通过事件分发器同步广播检查点生命周期事件。
读取路径对调用方完全透明：返回的检查点永远是解压后的视图。

# 核心类型

  - Manager: 检查点管理器，封装存储后端，提供步骤/任务两级检查点的
    创建、读取、更新、删除与订阅。
  - CreateOptions / TaskOptions / TaskPatch: 创建与合并更新的参数对象。
  - Diff / DiffEntry: 两个检查点间 input/output/context 的字段级差异，
    附带时间差与步骤差。
  - CleanupPolicy: 垃圾回收策略，按年龄整任务删除、按数量截断历史、
    对冷检查点延迟压缩。

# 主要能力

  - 完整性校验：校验和始终在压缩前计算，读取时自动验证，不匹配仅告警
    不阻断。
  - 阈值压缩：序列化三元组超过阈值时各字段独立压缩，小字段不受大字段
    牵连。
  - 任务生命周期：状态机校验每次转移，StartedAt 只落一次，终态落
    CompletedAt，恢复来源只记录首次。
  - 垃圾回收：errgroup 有界并发删除过期任务，可选速率限制，幂等可重入。
  - 事件订阅：On 注册处理器，同步扇出，单个处理器 panic 被隔离。

# 使用方式

	st := store.NewMemoryStore(logger)
	m := checkpoint.NewManager(st, checkpoint.WithLogger(logger))

	cp, err := m.CreateStepCheckpoint(ctx, taskID, 0, "fetch", input, output, taskCtx, nil)
*/
package checkpoint
