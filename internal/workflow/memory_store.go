package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "FlowMesh/internal/errors"
)

type recordKey struct {
	id       string
	tenantID string
}

// MemoryStore 以内存方式保存定义与执行记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[recordKey]*Definition
	executions  map[recordKey]*Execution
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[recordKey]*Definition),
		executions:  make(map[recordKey]*Execution),
	}
}

// CreateDefinition 实现 Store 接口。
func (m *MemoryStore) CreateDefinition(_ context.Context, def *Definition) error {
	if def == nil || def.ID == "" || def.TenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流定义缺少 ID 或租户")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{id: def.ID, tenantID: def.TenantID}
	if _, ok := m.definitions[key]; ok {
		return ErrWorkflowConflict
	}
	now := time.Now().Unix()
	if def.CreatedAt == 0 {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	m.definitions[key] = cloneDefinition(def)
	return nil
}

// GetDefinition 实现 Store 接口。
func (m *MemoryStore) GetDefinition(_ context.Context, id, tenantID string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[recordKey{id: id, tenantID: tenantID}]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneDefinition(def), nil
}

// SaveDefinition 实现 Store 接口。
func (m *MemoryStore) SaveDefinition(_ context.Context, def *Definition) error {
	if def == nil || def.ID == "" || def.TenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流定义缺少 ID 或租户")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{id: def.ID, tenantID: def.TenantID}
	if _, ok := m.definitions[key]; !ok {
		return ErrWorkflowNotFound
	}
	def.UpdatedAt = time.Now().Unix()
	m.definitions[key] = cloneDefinition(def)
	return nil
}

// ListDefinitions 实现 Store 接口。
func (m *MemoryStore) ListDefinitions(_ context.Context, tenantID string, opts ListOptions) ([]*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Definition, 0)
	for key, def := range m.definitions {
		if key.tenantID != tenantID {
			continue
		}
		results = append(results, cloneDefinition(def))
	}
	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			return lessDefinition(results[i], results[j])
		}
		return lessDefinition(results[j], results[i])
	})
	return paginate(results, opts), nil
}

// CreateExecution 实现 Store 接口。
func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" || exec.TenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行记录缺少 ID 或租户")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{id: exec.ID, tenantID: exec.TenantID}
	if _, ok := m.executions[key]; ok {
		return ErrWorkflowConflict
	}
	now := time.Now().Unix()
	if exec.CreatedAt == 0 {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	m.executions[key] = cloneExecution(exec)
	return nil
}

// GetExecution 实现 Store 接口。
func (m *MemoryStore) GetExecution(_ context.Context, id, tenantID string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[recordKey{id: id, tenantID: tenantID}]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(exec), nil
}

// SaveExecution 实现 Store 接口。
func (m *MemoryStore) SaveExecution(_ context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" || exec.TenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行记录缺少 ID 或租户")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{id: exec.ID, tenantID: exec.TenantID}
	if _, ok := m.executions[key]; !ok {
		return ErrExecutionNotFound
	}
	exec.UpdatedAt = time.Now().Unix()
	m.executions[key] = cloneExecution(exec)
	return nil
}

// ListExecutions 实现 Store 接口。
func (m *MemoryStore) ListExecutions(_ context.Context, tenantID string, opts ListOptions) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Execution, 0)
	for key, exec := range m.executions {
		if key.tenantID != tenantID {
			continue
		}
		if !matchesExecutionFilters(exec, opts) {
			continue
		}
		results = append(results, cloneExecution(exec))
	}
	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			return lessExecution(results[i], results[j])
		}
		return lessExecution(results[j], results[i])
	})
	return paginate(results, opts), nil
}

// ExecutionStats 实现 Store 接口。
func (m *MemoryStore) ExecutionStats(_ context.Context, tenantID string, opts ListOptions) (ExecutionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ExecutionStats{}
	for key, exec := range m.executions {
		if key.tenantID != tenantID {
			continue
		}
		if !matchesExecutionFilters(exec, opts) {
			continue
		}
		stats.Total++
		switch exec.Status {
		case ExecutionPending:
			stats.Pending++
		case ExecutionRunning:
			stats.Running++
		case ExecutionCompleted:
			stats.Completed++
		case ExecutionFailed:
			stats.Failed++
		case ExecutionCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func lessDefinition(a, b *Definition) bool {
	if a.UpdatedAt == b.UpdatedAt {
		return a.ID < b.ID
	}
	return a.UpdatedAt < b.UpdatedAt
}

func lessExecution(a, b *Execution) bool {
	if a.UpdatedAt == b.UpdatedAt {
		return a.ID < b.ID
	}
	return a.UpdatedAt < b.UpdatedAt
}

func paginate[T any](items []T, opts ListOptions) []T {
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
