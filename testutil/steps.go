// =============================================================================
// 🎭 步骤执行器测试替身
// =============================================================================
// 提供可编排的步骤操作与执行器，用于端到端测试中的故障注入
//
// 使用方法:
//
//	op := testutil.FlakyOp(2, errors.New("connection reset"), "ok")
//	exec := testutil.NewScriptedExecutor()
// =============================================================================
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/stepflow/retry"
)

// FlakyOp 返回一个前 failures 次调用返回 err、之后返回 result 的操作
func FlakyOp(failures int, err error, result any) retry.Operation {
	calls := 0
	return func(ctx context.Context) (any, error) {
		calls++
		if calls <= failures {
			return nil, err
		}
		return result, nil
	}
}

// ScriptedExecutor 记录每次执行的步骤索引，并支持在指定步骤注入失败
type ScriptedExecutor struct {
	mu  sync.Mutex
	ran []int

	// Output 为指定步骤产出输出，nil 时默认产出 "out_<index>"
	Output func(stepIndex int) any

	// FailAt 为注入失败的步骤索引，负值表示不注入
	FailAt   int
	FailWith error
}

// NewScriptedExecutor 创建一个不注入失败的执行器
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{FailAt: -1}
}

// StepName 实现 resume.StepExecutor
func (e *ScriptedExecutor) StepName(stepIndex int) string {
	return fmt.Sprintf("step_%d", stepIndex)
}

// ExecuteStep 实现 resume.StepExecutor
func (e *ScriptedExecutor) ExecuteStep(ctx context.Context, stepIndex int, input any) (any, error) {
	e.mu.Lock()
	e.ran = append(e.ran, stepIndex)
	e.mu.Unlock()

	if e.FailAt == stepIndex {
		if e.FailWith != nil {
			return nil, e.FailWith
		}
		return nil, fmt.Errorf("step %d failed by script", stepIndex)
	}
	if e.Output != nil {
		return e.Output(stepIndex), nil
	}
	return fmt.Sprintf("out_%d", stepIndex), nil
}

// Ran 返回已执行步骤索引的副本
func (e *ScriptedExecutor) Ran() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.ran))
	copy(out, e.ran)
	return out
}
