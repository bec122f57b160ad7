package workflow

import (
	xerrors "FlowMesh/internal/errors"
)

// DefinitionStatus 表示工作流定义的生命周期状态。
type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionArchived DefinitionStatus = "archived"
)

// ExecutionStatus 表示一次执行的生命周期状态。
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal 判断执行状态是否为终态。终态后的执行只读保留用于审计。
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// EngineStatus 是引擎对一次运行的整体判定。
type EngineStatus string

const (
	// EngineSuccess 表示所有步骤成功。
	EngineSuccess EngineStatus = "success"
	// EnginePartial 表示部分步骤成功。
	EnginePartial EngineStatus = "partial"
	// EngineFailure 表示没有任何步骤成功。
	EngineFailure EngineStatus = "failure"
)

// RetryPolicy 描述单个步骤的重试策略。
type RetryPolicy struct {
	MaxAttempts   int `json:"max_attempts"`
	BackoffBaseMS int `json:"backoff_base_ms,omitempty"`
}

// StepSpec 声明式地描述一个工作流步骤。
type StepSpec struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Agent     string         `json:"agent"`
	Method    string         `json:"method,omitempty"`
	Path      string         `json:"path,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	TimeoutMS int            `json:"timeout_ms,omitempty"`
	Retry     RetryPolicy    `json:"retry"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Parallel  bool           `json:"parallel,omitempty"`
	Priority  int            `json:"priority,omitempty"`
}

// Definition 是一个可执行的工作流定义。
// 步骤 ID 必须唯一，依赖图必须无环；只有 draft 状态允许修改步骤。
type Definition struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	TenantID  string           `json:"tenant_id"`
	Version   int              `json:"version"`
	Status    DefinitionStatus `json:"status"`
	Steps     []StepSpec       `json:"steps"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

// StepMetrics 记录单步执行的时间信息。
type StepMetrics struct {
	DurationMS int64 `json:"duration_ms"`
	StartedAt  int64 `json:"started_at"`
	FinishedAt int64 `json:"finished_at"`
}

// StepResult 是单个步骤的执行结果。
type StepResult struct {
	StepID   string         `json:"step_id"`
	Success  bool           `json:"success"`
	Skipped  bool           `json:"skipped,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metrics  StepMetrics    `json:"metrics"`
	Attempts int            `json:"attempts"`
}

// Execution 是一次工作流执行的持久化记录。
// 到达终态前由 Orchestrator 独占写入，终态后只读保留。
type Execution struct {
	ID             string                `json:"id"`
	WorkflowID     string                `json:"workflow_id"`
	TenantID       string                `json:"tenant_id"`
	SessionID      string                `json:"session_id"`
	Status         ExecutionStatus       `json:"status"`
	StepResults    map[string]StepResult `json:"step_results,omitempty"`
	TotalSteps     int                   `json:"total_steps"`
	CompletedSteps int                   `json:"completed_steps"`
	StartedAt      int64                 `json:"started_at,omitempty"`
	FinishedAt     int64                 `json:"finished_at,omitempty"`
	DurationMS     int64                 `json:"duration_ms,omitempty"`
	Error          string                `json:"error,omitempty"`
	CreatedAt      int64                 `json:"created_at"`
	UpdatedAt      int64                 `json:"updated_at"`
}

var (
	// ErrWorkflowNotFound 表示指定租户下不存在该工作流。
	ErrWorkflowNotFound = xerrors.New(xerrors.CodeWorkflowNotFound, "工作流不存在")
	// ErrWorkflowNotActive 表示工作流不处于可执行状态。
	ErrWorkflowNotActive = xerrors.New(xerrors.CodeWorkflowNotActive, "工作流未激活")
	// ErrWorkflowConflict 表示工作流在当前状态下无法进行所请求的操作。
	ErrWorkflowConflict = xerrors.New(xerrors.CodeWorkflowConflict, "工作流记录已存在", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrExecutionNotFound 表示指定租户下不存在该执行记录。
	ErrExecutionNotFound = xerrors.New(xerrors.CodeExecutionNotFound, "执行记录不存在")
	// ErrExecutionNotRunning 表示执行不处于 running 状态，无法取消。
	ErrExecutionNotRunning = xerrors.New(xerrors.CodeExecutionNotRunning, "执行不处于运行状态")
)

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	cloned := make(map[string]any, len(data))
	for key, value := range data {
		cloned[key] = value
	}
	return cloned
}

func cloneStepResults(results map[string]StepResult) map[string]StepResult {
	if results == nil {
		return nil
	}
	cloned := make(map[string]StepResult, len(results))
	for id, result := range results {
		result.Data = cloneData(result.Data)
		cloned[id] = result
	}
	return cloned
}

func cloneDefinition(def *Definition) *Definition {
	clone := *def
	clone.Steps = make([]StepSpec, len(def.Steps))
	for i, step := range def.Steps {
		step.Input = cloneData(step.Input)
		step.DependsOn = append([]string(nil), step.DependsOn...)
		clone.Steps[i] = step
	}
	return &clone
}

func cloneExecution(exec *Execution) *Execution {
	clone := *exec
	clone.StepResults = cloneStepResults(exec.StepResults)
	return &clone
}
