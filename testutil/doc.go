// 版权所有 2025 StepFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 testutil 提供 StepFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试与端到端测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor，支持超时轮询等待条件满足
  - 数据工具: MustJSON / MustParseJSON，简化测试数据构造
  - 步骤替身: FlakyOp（瞬态故障注入）与 ScriptedExecutor
    （可编排的恢复执行器，记录执行轨迹）

# 使用示例

	ctx := testutil.TestContext(t)
	op := testutil.FlakyOp(2, errors.New("connection reset"), "ok")
	res, err := sys.ExecuteStep(ctx, taskID, 0, "fetch", op, nil)
*/
package testutil
