// 版权所有 2025 StepFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 retry 提供按错误类别重试的执行器与按步骤熔断的断路器。

# 概述

Executor 是 StepFlow 的可靠性核心。每次失败先经 Classifier 归类为六种
错误类别之一（network / timeout / logic / validation / permission /
unknown），再由 Policy 选出该类别的重试配置决定是否继续、等待多久。
分类在每次失败后重新进行：网络错误中途变成校验错误时，循环立即按
校验配置停止。每个 taskID:stepName 组合拥有独立断路器，失败在滑动
窗口内累计，达到阈值后快速失败，冷却期满进入半开试探。

# 核心类型

  - Executor: 重试执行循环，成功或耗尽后通过检查点管理器落盘结果。
  - Policy / Config: 错误类别到重试配置的映射；指数、线性、立即与
    自定义四种退避策略，抖动在 ±delay*jitter 区间内均匀扰动。
  - Classifier: 错误归类接口，内置实现先按类型判断（StepError 保持
    原类别，net.Error 与 DeadlineExceeded 直接归类），再按消息子串。
  - Breaker / Registry: 断路器与其进程级注册表；状态只存在于进程内，
    重启后全部闭合。

# 主要能力

  - 业务结果与基础设施错误分离：Result 携带成败、重试次数、检查点与
    熔断标志；error 返回值只用于非法参数、检查点落盘失败与延迟期间的
    上下文取消。
  - 快速失败不留痕：被打开的断路器拒绝的调用不执行操作、不落检查点、
    不发步骤事件。
  - 逻辑与校验错误零重试，权限错误一次重试，网络错误重试最多。
  - 断路器状态变迁同步广播 circuit:opened / closed / half-open 事件。

# 使用方式

	exec := retry.NewExecutor(manager, retry.WithLogger(logger))

	res, err := exec.ExecuteWithRetry(ctx, op, &retry.Options{
		TaskID:   taskID,
		StepName: "fetch",
	})
*/
package retry
