// 版权所有 2025 StepFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 engine 把存储、检查点、重试、熔断、恢复与垃圾回收装配成一个可直接
使用的可靠性引擎门面。

# 概述

System 按配置构建整条链路：存储后端（内存 / 文件 / Redis / SQL）外
包一层指标装饰器，检查点管理器在其上持久化任务与步骤，重试执行器带
熔断注册表执行操作，恢复管理器重放中断任务，可选的后台循环周期性做
历史清理。调用方也可以注入现成的组件,注入的存储在引擎关闭时不会被
关闭。

# 核心类型

  - System: 引擎门面，聚合全部子系统并暴露任务级操作。
  - StepOptions: 单步执行的调参项（输入覆盖、专用重试策略、检查点
    开关、输出变换、标签与元数据）。
  - ErrTaskNotRunning: 步骤执行对任务状态的守卫哨兵，暂停或取消后
    的任务拒绝继续执行步骤。

# 主要能力

  - StartTask / ExecuteStep / CompleteTask / FailTask / PauseTask /
    CancelTask 覆盖任务生命周期；取消是协作式的，在步骤间隙被观测。
  - ExecuteStep 默认以任务上下文为输入，成功后把输出写回上下文，
    步骤的业务失败返回结果对象而不是 error，任务保持 running 由调
    用方决定是否判死。
  - ResumeTask / ResumeFromCheckpoint / EnableAutoResume / Progress
    透传恢复管理器。
  - On 订阅生命周期事件，Cleanup 手动触发一次历史清理。

# 使用方式

	sys, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer sys.Close()

	task, err := sys.StartTask(ctx, "nightly-import", 3, seed, nil)
	if err != nil {
		return err
	}
	res, err := sys.ExecuteStep(ctx, task.ID, 0, "extract", fetchRows, nil)
*/
package engine
