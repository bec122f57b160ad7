package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "FlowMesh/internal/errors"
	"FlowMesh/pkg/backoff"
	"FlowMesh/pkg/logger"
)

// RunResult 是引擎对一次运行的汇总。
type RunResult struct {
	Status         EngineStatus
	StepResults    map[string]StepResult
	CompletedSteps int
}

// Engine 按依赖顺序执行一个工作流的所有步骤。
// 单步失败不会中断运行：只有传递依赖它的步骤被跳过，独立分支继续。
type Engine struct {
	executors *ExecutorSet
	policy    backoff.Policy
	log       *slog.Logger
}

// EngineOption 定义可选配置。
type EngineOption func(*Engine)

// WithStepBackoff 替换步骤重试的退避策略。
func WithStepBackoff(policy backoff.Policy) EngineOption {
	return func(e *Engine) {
		e.policy = policy
	}
}

// NewEngine 构造 Engine。
func NewEngine(executors *ExecutorSet, opts ...EngineOption) *Engine {
	e := &Engine{
		executors: executors,
		policy:    backoff.Exponential(time.Second, 2, 10*time.Second),
		log:       logger.Named("engine"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ExecuteWorkflow 执行全部步骤并返回整体状态。
// 图校验失败是致命错误，在任何派发之前返回；
// 引擎内部异常作为执行级错误返回，与单步失败不同。
func (e *Engine) ExecuteWorkflow(ctx context.Context, def *Definition, pctx *PipelineContext) (RunResult, error) {
	if err := ValidateDefinition(def); err != nil {
		return RunResult{}, err
	}
	if pctx == nil {
		pctx = NewPipelineContext(nil)
	}
	if e.executors == nil {
		return RunResult{}, xerrors.New(xerrors.CodeEngineFailure, "执行器集合未配置")
	}

	remaining := make(map[string]StepSpec, len(def.Steps))
	order := make([]string, 0, len(def.Steps))
	for _, step := range def.Steps {
		remaining[step.ID] = step
		order = append(order, step.ID)
	}

	for len(remaining) > 0 {
		wave := e.nextWave(order, remaining, pctx)
		if len(wave) == 0 {
			// 校验通过的图不应走到这里。
			return RunResult{}, xerrors.New(xerrors.CodeEngineFailure,
				fmt.Sprintf("依赖无法推进，剩余 %d 个步骤", len(remaining)))
		}

		var parallel []StepSpec
		var sequential []StepSpec
		for _, step := range wave {
			delete(remaining, step.ID)
			if e.shouldSkip(step, pctx) {
				pctx.RecordResult(skippedResult(step))
				continue
			}
			if step.Parallel {
				parallel = append(parallel, step)
			} else {
				sequential = append(sequential, step)
			}
		}

		var wg sync.WaitGroup
		for _, step := range parallel {
			wg.Add(1)
			go func(step StepSpec) {
				defer wg.Done()
				pctx.RecordResult(e.runStep(ctx, step, pctx))
			}(step)
		}
		for _, step := range sequential {
			pctx.RecordResult(e.runStep(ctx, step, pctx))
		}
		wg.Wait()

		if ctx.Err() != nil {
			return RunResult{}, xerrors.Wrap(xerrors.CodeEngineFailure, ctx.Err(), "运行被上下文中止")
		}
	}

	results := pctx.Results()
	completed := 0
	for _, result := range results {
		if result.Success {
			completed++
		}
	}
	status := EnginePartial
	switch completed {
	case len(def.Steps):
		status = EngineSuccess
	case 0:
		status = EngineFailure
	}
	return RunResult{Status: status, StepResults: results, CompletedSteps: completed}, nil
}

// nextWave 返回所有依赖均已出结果的待执行步骤，保持声明顺序。
func (e *Engine) nextWave(order []string, remaining map[string]StepSpec, pctx *PipelineContext) []StepSpec {
	var wave []StepSpec
	for _, id := range order {
		step, ok := remaining[id]
		if !ok {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			if _, resolved := pctx.Result(dep); !resolved {
				ready = false
				break
			}
		}
		if ready {
			wave = append(wave, step)
		}
	}
	return wave
}

// shouldSkip 判断步骤是否因依赖失败而应被跳过。
func (e *Engine) shouldSkip(step StepSpec, pctx *PipelineContext) bool {
	for _, dep := range step.DependsOn {
		if result, ok := pctx.Result(dep); ok && !result.Success {
			return true
		}
	}
	return false
}

// runStep 按步骤自身的超时与重试策略执行一次步骤。
func (e *Engine) runStep(ctx context.Context, step StepSpec, pctx *PipelineContext) StepResult {
	executor := e.executors.Select(step)
	input := pctx.BuildStepInput(step)

	maxAttempts := step.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	policy := e.policy
	if step.Retry.BackoffBaseMS > 0 {
		policy = backoff.Exponential(time.Duration(step.Retry.BackoffBaseMS)*time.Millisecond, 2, 10*time.Second)
	}

	started := time.Now()
	var lastErr error
	attemptsMade := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptsMade = attempt
		stepCtx := ctx
		var cancel context.CancelFunc
		if step.TimeoutMS > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMS)*time.Millisecond)
		}
		data, err := executor.ExecuteStep(stepCtx, step, input)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			finished := time.Now()
			e.log.Info("步骤执行成功",
				slog.String("step", step.ID),
				slog.Int("attempts", attempt),
				slog.Duration("duration", finished.Sub(started)),
			)
			return StepResult{
				StepID:   step.ID,
				Success:  true,
				Data:     data,
				Attempts: attempt,
				Metrics:  metricsBetween(started, finished),
			}
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		delay := policy.Delay(attempt)
		e.log.Warn("步骤执行失败，准备重试",
			slog.String("step", step.ID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if sleepErr := backoff.Sleep(ctx, delay); sleepErr != nil {
			break
		}
	}

	finished := time.Now()
	e.log.Warn("步骤最终失败",
		slog.String("step", step.ID),
		slog.Int("attempts", attemptsMade),
		slog.String("error", lastErr.Error()),
	)
	return StepResult{
		StepID:   step.ID,
		Success:  false,
		Error:    lastErr.Error(),
		Attempts: attemptsMade,
		Metrics:  metricsBetween(started, finished),
	}
}

func skippedResult(step StepSpec) StepResult {
	now := time.Now().Unix()
	return StepResult{
		StepID:  step.ID,
		Success: false,
		Skipped: true,
		Error:   "依赖步骤失败，跳过执行",
		Metrics: StepMetrics{StartedAt: now, FinishedAt: now},
	}
}

func metricsBetween(started, finished time.Time) StepMetrics {
	return StepMetrics{
		DurationMS: finished.Sub(started).Milliseconds(),
		StartedAt:  started.Unix(),
		FinishedAt: finished.Unix(),
	}
}
