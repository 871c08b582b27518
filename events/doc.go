// 版权所有 2025 StepFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 events 定义引擎的类型化事件词汇表与同步分发器。

# 概述

检查点管理器、重试执行器与恢复管理器通过同一个 Dispatcher 发布
生命周期事件；订阅方以事件类型或 Wildcard 注册处理函数。分发是
同步的：Emit 在调用方的 goroutine 内依次执行全部处理函数，处理
函数内的 panic 被捕获并记录，不会中断发布方。

# 事件分类

  - checkpoint:* — 检查点创建、恢复、删除与压缩
  - task:*       — 任务启动、完成、失败、暂停与恢复
  - step:*       — 步骤开始、完成、失败与重试
  - circuit:*    — 熔断器状态迁移

# 使用方式

	unsubscribe := dispatcher.Subscribe(events.StepFailed, func(e events.Event) {
		log.Printf("step %s failed", e.StepName)
	})
	defer unsubscribe()
*/
package events
