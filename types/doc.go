// 版权所有 2025 StepFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 types 提供 StepFlow 引擎的全局共享类型定义。

# 概述

types 是引擎最底层的公共包，不依赖任何内部包，为 checkpoint、retry、
resume、store 等上层模块提供统一的类型契约。所有跨包共享的结构体、
枚举和错误体系均定义于此，以避免循环依赖。

# 核心类型

  - StepCheckpoint    — 单步检查点（输入、输出、上下文快照与校验和）
  - TaskCheckpoint    — 任务级检查点（状态机、步骤游标、恢复出处）
  - StepStatus        — 步骤结果枚举（created / completed / failed）
  - TaskStatus        — 任务状态机，含 IsTerminal / CanTransitionTo 守卫
  - StepMetadata      — 时间、重试与标注元数据
  - StepError         — 结构化步骤错误（Kind + Message + Code + 可选堆栈）
  - ErrorKind         — 错误类别枚举，驱动按类重试策略

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithUserID / WithRunID，
    检查点管理器据此在元数据中记录链路出处
  - 错误工具链：NewStepError / StepErrorFrom / WithCode / Retryable
  - 负载解码：UnmarshalInput / UnmarshalOutput / UnmarshalContext，
    空负载解码为无操作
  - 深拷贝：Clone 保证跨存储边界的数据隔离
*/
package types
