package workflow

import "context"

// Store 抽象了工作流定义与执行记录的持久化接口，所有读取按 (id, tenantID) 限定。
type Store interface {
	CreateDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id, tenantID string) (*Definition, error)
	SaveDefinition(ctx context.Context, def *Definition) error
	ListDefinitions(ctx context.Context, tenantID string, opts ListOptions) ([]*Definition, error)

	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id, tenantID string) (*Execution, error)
	SaveExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, tenantID string, opts ListOptions) ([]*Execution, error)
	ExecutionStats(ctx context.Context, tenantID string, opts ListOptions) (ExecutionStats, error)

	Close() error
}

// ExecutionStats 聚合执行状态的统计信息，常用于仪表盘或健康检查。
type ExecutionStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
