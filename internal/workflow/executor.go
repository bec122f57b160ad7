package workflow

import (
	"context"
	"net/http"
	"time"

	"FlowMesh/internal/dispatch"
	xerrors "FlowMesh/internal/errors"
)

// StepExecutor 执行单个步骤的一次尝试并返回输出数据。
// 引擎根据步骤的 target 选择具体实现，替换实现无需改动引擎。
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step StepSpec, input map[string]any) (map[string]any, error)
}

// ExecutorSet 按步骤 target 选择执行器：命中命名执行器优先，否则回退默认。
type ExecutorSet struct {
	fallback StepExecutor
	named    map[string]StepExecutor
}

// NewExecutorSet 构造执行器集合。fallback 不能为空。
func NewExecutorSet(fallback StepExecutor) *ExecutorSet {
	return &ExecutorSet{
		fallback: fallback,
		named:    make(map[string]StepExecutor),
	}
}

// Register 为指定 target 注册专用执行器。
func (s *ExecutorSet) Register(target string, executor StepExecutor) {
	if target != "" && executor != nil {
		s.named[target] = executor
	}
}

// Select 返回步骤对应的执行器。
func (s *ExecutorSet) Select(step StepSpec) StepExecutor {
	if executor, ok := s.named[step.Agent]; ok {
		return executor
	}
	return s.fallback
}

// AgentStepExecutor 通过 Dispatcher 将步骤转发给远程 Agent。
type AgentStepExecutor struct {
	dispatcher *dispatch.Dispatcher
}

// NewAgentStepExecutor 构造 AgentStepExecutor。
func NewAgentStepExecutor(dispatcher *dispatch.Dispatcher) *AgentStepExecutor {
	return &AgentStepExecutor{dispatcher: dispatcher}
}

// ExecuteStep 实现 StepExecutor。步骤超时覆盖 Agent 默认超时；
// Dispatcher 在单次尝试内吸收网络抖动，步骤级重试由引擎驱动。
func (e *AgentStepExecutor) ExecuteStep(ctx context.Context, step StepSpec, input map[string]any) (map[string]any, error) {
	method := step.Method
	if method == "" {
		method = http.MethodPost
	}
	path := step.Path
	if path == "" {
		path = "/execute"
	}
	override := &dispatch.Override{}
	if step.TimeoutMS > 0 {
		override.Timeout = time.Duration(step.TimeoutMS) * time.Millisecond
	}
	result := e.dispatcher.Execute(ctx, step.Agent, method, path, input, override)
	if !result.Success {
		code := xerrors.CodeNetworkFailure
		message := "agent 调用失败"
		if result.Error != nil {
			code = result.Error.Code
			message = result.Error.Message
		}
		return nil, xerrors.New(code, message)
	}
	return result.Data, nil
}

// TestStepExecutor 始终成功，用于测试与空跑。
type TestStepExecutor struct{}

// ExecuteStep 实现 StepExecutor，原样回显输入。
func (TestStepExecutor) ExecuteStep(_ context.Context, step StepSpec, input map[string]any) (map[string]any, error) {
	data := cloneData(input)
	if data == nil {
		data = make(map[string]any)
	}
	data["step_id"] = step.ID
	data["echo"] = true
	return data, nil
}
