package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/engine"
	"github.com/BaSui01/stepflow/events"
	"github.com/BaSui01/stepflow/resume"
	"github.com/BaSui01/stepflow/types"
)

// =============================================================================
// 🎬 demo 命令
// =============================================================================

const demoTaskName = "demo-pipeline"

// runDemo drives a small pipeline through the engine. With the default
// file storage an interrupted run (Ctrl-C mid-pipeline) leaves durable
// checkpoints behind; the next invocation picks the task up where it
// stopped instead of starting over.
func runDemo(args []string) {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	steps := fs.Int("steps", 4, "Number of pipeline steps")
	failStep := fs.Int("fail-step", 2, "Step that fails transiently (-1 disables)")
	failures := fs.Int("failures", 2, "Transient failures before that step succeeds")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	logger := config.BuildLogger(cfg.Log)
	defer logger.Sync()

	sys, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build engine: %v\n", err)
		os.Exit(1)
	}
	defer sys.Close()

	unsub := sys.On(events.Wildcard, func(ev events.Event) {
		if ev.StepName != "" {
			fmt.Printf("  event %-22s step=%d (%s)\n", ev.Type, ev.StepIndex, ev.StepName)
			return
		}
		fmt.Printf("  event %-22s task=%s\n", ev.Type, ev.TaskID)
	})
	defer unsub()

	remaining := *failures
	exec := resume.StepExecutorFunc(func(ctx context.Context, stepIndex int, input any) (any, error) {
		time.Sleep(150 * time.Millisecond)
		if stepIndex == *failStep && remaining > 0 {
			remaining--
			return nil, types.NewStepError(types.ErrorKindNetwork, "connection reset by peer")
		}
		return fmt.Sprintf("artifact_%d", stepIndex), nil
	})

	ctx := context.Background()

	task, err := findInterruptedDemo(ctx, sys)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to scan for interrupted runs: %v\n", err)
		os.Exit(1)
	}

	if task != nil {
		from := task.CurrentStepIndex + 1
		fmt.Printf("Resuming interrupted run %s from step %d/%d\n", task.ID, from, task.TotalSteps)
		task, err = sys.ResumeTask(ctx, task.ID, from, exec)
	} else {
		fmt.Printf("Starting fresh run with %d steps\n", *steps)
		task, err = runFreshDemo(ctx, sys, exec, *steps)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pipeline failed: %v\n", err)
		os.Exit(1)
	}

	printDemoSummary(ctx, sys, task)
}

// findInterruptedDemo returns the interrupted demo task when one exists.
func findInterruptedDemo(ctx context.Context, sys *engine.System) (*types.TaskCheckpoint, error) {
	interrupted, err := sys.EnableAutoResume(ctx)
	if err != nil {
		return nil, err
	}
	for _, task := range interrupted {
		if task.Name == demoTaskName {
			return task, nil
		}
	}
	return nil, nil
}

// runFreshDemo starts a task and executes every step through the retry
// executor, failing the task when a step exhausts its budget.
func runFreshDemo(ctx context.Context, sys *engine.System, exec resume.StepExecutor, steps int) (*types.TaskCheckpoint, error) {
	task, err := sys.StartTask(ctx, demoTaskName, steps, map[string]any{"started_by": "demo"}, nil)
	if err != nil {
		return nil, err
	}

	var input any
	if err := task.UnmarshalContext(&input); err != nil {
		return nil, err
	}
	for i := 0; i < steps; i++ {
		stepIndex := i
		res, err := sys.ExecuteStep(ctx, task.ID, stepIndex, exec.StepName(stepIndex),
			func(ctx context.Context) (any, error) {
				return exec.ExecuteStep(ctx, stepIndex, input)
			}, nil)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			if _, failErr := sys.FailTask(ctx, task.ID); failErr != nil {
				return nil, failErr
			}
			return nil, fmt.Errorf("step %d failed after %d retries: %s", stepIndex, res.Retries, res.Error.Message)
		}
		if res.Retries > 0 {
			fmt.Printf("  step %d recovered after %d retries\n", stepIndex, res.Retries)
		}
		input = res.Output
	}

	return sys.CompleteTask(ctx, task.ID)
}

// printDemoSummary prints the final progress and the checkpoint trail.
func printDemoSummary(ctx context.Context, sys *engine.System, task *types.TaskCheckpoint) {
	p, err := sys.Progress(ctx, task.ID)
	if err != nil || p == nil {
		return
	}

	fmt.Printf("\nRun %s: %s, %.0f%% (%d/%d steps), %d retries total\n",
		task.ID, p.Status, p.Percentage, p.CompletedSteps, p.TotalSteps, p.TotalRetries)

	trail, err := sys.Checkpoints().ListCheckpointsForTask(ctx, task.ID)
	if err != nil {
		return
	}
	fmt.Println("Checkpoint trail:")
	for _, cp := range trail {
		retries := ""
		if cp.Metadata.RetryCount > 0 {
			retries = fmt.Sprintf(" (retries=%d)", cp.Metadata.RetryCount)
		}
		fmt.Printf("  #%d %-12s %-10s%s\n", cp.StepIndex, cp.StepName, cp.Status, retries)
	}
}
