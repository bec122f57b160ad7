package workflow

import "sync"

// PipelineContext 是一次运行中贯穿所有步骤的共享状态：
// 输入数据加逐步累积的步骤输出。并发步骤会同时读写，内部加锁保护。
type PipelineContext struct {
	mu          sync.RWMutex
	sharedData  map[string]any
	stepResults map[string]StepResult
}

// NewPipelineContext 以给定的输入数据构造运行上下文。
func NewPipelineContext(sharedData map[string]any) *PipelineContext {
	return &PipelineContext{
		sharedData:  cloneData(sharedData),
		stepResults: make(map[string]StepResult),
	}
}

// SharedData 返回共享输入数据的副本。
func (c *PipelineContext) SharedData() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneData(c.sharedData)
}

// RecordResult 记录一个步骤的结果，供后续步骤读取。
func (c *PipelineContext) RecordResult(result StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepResults[result.StepID] = result
}

// Result 返回指定步骤的结果。
func (c *PipelineContext) Result(stepID string) (StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.stepResults[stepID]
	return result, ok
}

// Results 返回所有已记录的步骤结果的副本。
func (c *PipelineContext) Results() map[string]StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneStepResults(c.stepResults)
}

// BuildStepInput 合成步骤输入：以共享数据为底，叠加各依赖步骤的输出
// （按步骤 ID 寻址），最后叠加步骤自身的输入模板，模板字段优先。
func (c *PipelineContext) BuildStepInput(step StepSpec) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	input := cloneData(c.sharedData)
	if input == nil {
		input = make(map[string]any)
	}
	for _, dep := range step.DependsOn {
		if result, ok := c.stepResults[dep]; ok && result.Data != nil {
			input[dep] = cloneData(result.Data)
		}
	}
	for key, value := range step.Input {
		input[key] = value
	}
	return input
}
