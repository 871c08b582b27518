// 版权所有 2025 StepFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的引擎指标采集能力，覆盖检查点、
步骤执行、任务状态、重试、熔断、垃圾回收与存储七大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
label 集合保持有界（状态、错误类别、操作名），不使用任务或步骤 ID
作为 label，避免基数爆炸。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram 等 Prometheus
    指标，按业务域分组管理，并提供类型化的 Record 方法。

# 主要能力

  - 检查点指标：持久化总数、未压缩负载大小分布、压缩触发计数，
    按 kind（step/task）分组。
  - 步骤指标：执行总数（按结果状态）与耗时分布（含重试时间）。
  - 任务指标：状态转换计数，按 from_state/to_state 分组。
  - 重试指标：重试尝试与预算耗尽计数，按 error_kind 分组。
  - 熔断指标：状态转换与开路拒绝计数，按 operation 分组。
  - 垃圾回收指标：运行计数、删除记录数（task/step）、运行耗时。
  - 存储指标：操作耗时与失败计数，按 backend/operation 分组。
*/
package metrics
