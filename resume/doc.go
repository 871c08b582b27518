// 版权所有 2025 StepFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 resume 从持久化检查点恢复被中断的任务并驱动剩余步骤的重放。

# 概述

Manager 把恢复拆成两半：引擎负责找回状态，调用方负责提供步骤实现。
重放从恢复点之前最近的检查点取回状态（优先上一步的输出，没有检查点
时退回任务自身的上下文），随后逐步前进，每一步都经过重试执行器，
输出串联为下一步的输入，任务的 CurrentStepIndex、上下文与累计重试
次数随步推进。

# 核心类型

  - Manager: 恢复协调器，依赖检查点管理器读写状态、重试执行器跑步骤。
  - StepExecutor / StepExecutorFunc: 步骤实现的接口与函数适配器，
    按索引命名步骤并执行业务逻辑。
  - Progress: 只读进度投影，含完成百分比、耗时、按平均步长估算的
    剩余时间与该任务的熔断器状态。
  - InterruptedHandler: 自动恢复发现中断任务后的回调。

# 主要能力

  - ResumeFromCheckpoint 从检查点记录的步骤重新执行：对失败检查点
    恢复即重试恰好失败的那一步。
  - 步骤失败是业务结果：任务被标记为 failed 并停止重放，error 返回
    值只表示基础设施故障；已耗尽重试的步骤不会被自动再次重试。
  - EnableAutoResume 只发现与通知：步骤实现在引擎之外，恢复必须由
    持有 StepExecutor 的调用方发起。
  - 终态任务不可恢复，状态机拒绝 completed / failed / cancelled 到
    running 的迁移。

# 使用方式

	rm := resume.NewManager(manager, exec, resume.WithLogger(logger))

	task, err := rm.ResumeTask(ctx, interrupted, 3, resume.StepExecutorFunc(
		func(ctx context.Context, i int, input any) (any, error) {
			return runStep(ctx, i, input)
		},
	))
*/
package resume
