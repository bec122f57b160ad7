package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "FlowMesh/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化工作流定义与执行记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore 并初始化表结构。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const definitions = `CREATE TABLE IF NOT EXISTS workflow_definitions (
        id VARCHAR(64) NOT NULL,
        tenant_id VARCHAR(64) NOT NULL,
        name VARCHAR(255) NOT NULL,
        version INT NOT NULL DEFAULT 1,
        status VARCHAR(32) NOT NULL,
        steps JSON NOT NULL,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        PRIMARY KEY (id, tenant_id),
        INDEX idx_definition_tenant (tenant_id),
        INDEX idx_definition_status (status)
)`
	const executions = `CREATE TABLE IF NOT EXISTS workflow_executions (
        id VARCHAR(64) NOT NULL,
        tenant_id VARCHAR(64) NOT NULL,
        workflow_id VARCHAR(64) NOT NULL,
        session_id VARCHAR(64) DEFAULT '',
        status VARCHAR(32) NOT NULL,
        step_results JSON,
        total_steps INT NOT NULL DEFAULT 0,
        completed_steps INT NOT NULL DEFAULT 0,
        started_at BIGINT NOT NULL DEFAULT 0,
        finished_at BIGINT NOT NULL DEFAULT 0,
        duration_ms BIGINT NOT NULL DEFAULT 0,
        last_error TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        PRIMARY KEY (id, tenant_id),
        INDEX idx_execution_tenant (tenant_id),
        INDEX idx_execution_workflow (workflow_id),
        INDEX idx_execution_status (status),
        INDEX idx_execution_updated (updated_at)
)`

	if _, err := s.db.Exec(definitions); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 workflow_definitions 表失败")
	}
	if _, err := s.db.Exec(executions); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 workflow_executions 表失败")
	}
	return nil
}

// CreateDefinition 实现 Store 接口。
func (s *MySQLStore) CreateDefinition(ctx context.Context, def *Definition) error {
	if def == nil || def.ID == "" || def.TenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流定义缺少 ID 或租户")
	}
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化步骤失败")
	}
	now := time.Now().Unix()
	def.CreatedAt = now
	def.UpdatedAt = now

	const query = `INSERT INTO workflow_definitions
        (id, tenant_id, name, version, status, steps, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		def.ID, def.TenantID, def.Name, def.Version, string(def.Status), steps, def.CreatedAt, def.UpdatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrWorkflowConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入工作流定义失败")
	}
	return nil
}

// GetDefinition 实现 Store 接口。
func (s *MySQLStore) GetDefinition(ctx context.Context, id, tenantID string) (*Definition, error) {
	const query = `SELECT id, tenant_id, name, version, status, steps, created_at, updated_at
        FROM workflow_definitions WHERE id = ? AND tenant_id = ?`
	row := s.db.QueryRowContext(ctx, query, id, tenantID)
	return scanDefinition(row)
}

// SaveDefinition 实现 Store 接口。
func (s *MySQLStore) SaveDefinition(ctx context.Context, def *Definition) error {
	if def == nil || def.ID == "" || def.TenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流定义缺少 ID 或租户")
	}
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化步骤失败")
	}
	def.UpdatedAt = time.Now().Unix()

	const query = `UPDATE workflow_definitions
        SET name = ?, version = ?, status = ?, steps = ?, updated_at = ?
        WHERE id = ? AND tenant_id = ?`
	result, err := s.db.ExecContext(ctx, query,
		def.Name, def.Version, string(def.Status), steps, def.UpdatedAt, def.ID, def.TenantID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作流定义失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新行数失败")
	}
	if affected == 0 {
		// UPDATE 未命中也可能是字段无变化，确认记录确实不存在。
		if _, getErr := s.GetDefinition(ctx, def.ID, def.TenantID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListDefinitions 实现 Store 接口。
func (s *MySQLStore) ListDefinitions(ctx context.Context, tenantID string, opts ListOptions) ([]*Definition, error) {
	opts.applyDefaults()
	order := "DESC"
	if opts.Order == SortByUpdatedAsc {
		order = "ASC"
	}
	query := fmt.Sprintf(`SELECT id, tenant_id, name, version, status, steps, created_at, updated_at
        FROM workflow_definitions WHERE tenant_id = ?
        ORDER BY updated_at %s, id ASC LIMIT ? OFFSET ?`, order)
	rows, err := s.db.QueryContext(ctx, query, tenantID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流定义失败")
	}
	defer rows.Close()

	var results []*Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, def)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流定义失败")
	}
	return results, nil
}

// CreateExecution 实现 Store 接口。
func (s *MySQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" || exec.TenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行记录缺少 ID 或租户")
	}
	stepResults, err := json.Marshal(exec.StepResults)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化步骤结果失败")
	}
	now := time.Now().Unix()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	const query = `INSERT INTO workflow_executions
        (id, tenant_id, workflow_id, session_id, status, step_results, total_steps,
         completed_steps, started_at, finished_at, duration_ms, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		exec.ID, exec.TenantID, exec.WorkflowID, exec.SessionID, string(exec.Status), stepResults,
		exec.TotalSteps, exec.CompletedSteps, exec.StartedAt, exec.FinishedAt, exec.DurationMS,
		exec.Error, exec.CreatedAt, exec.UpdatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrWorkflowConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行记录失败")
	}
	return nil
}

// GetExecution 实现 Store 接口。
func (s *MySQLStore) GetExecution(ctx context.Context, id, tenantID string) (*Execution, error) {
	const query = `SELECT id, tenant_id, workflow_id, session_id, status, step_results, total_steps,
        completed_steps, started_at, finished_at, duration_ms, last_error, created_at, updated_at
        FROM workflow_executions WHERE id = ? AND tenant_id = ?`
	row := s.db.QueryRowContext(ctx, query, id, tenantID)
	return scanExecution(row)
}

// SaveExecution 实现 Store 接口。
func (s *MySQLStore) SaveExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" || exec.TenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行记录缺少 ID 或租户")
	}
	stepResults, err := json.Marshal(exec.StepResults)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化步骤结果失败")
	}
	exec.UpdatedAt = time.Now().Unix()

	const query = `UPDATE workflow_executions
        SET status = ?, step_results = ?, completed_steps = ?, started_at = ?,
            finished_at = ?, duration_ms = ?, last_error = ?, updated_at = ?
        WHERE id = ? AND tenant_id = ?`
	result, err := s.db.ExecContext(ctx, query,
		string(exec.Status), stepResults, exec.CompletedSteps, exec.StartedAt,
		exec.FinishedAt, exec.DurationMS, exec.Error, exec.UpdatedAt, exec.ID, exec.TenantID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行记录失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetExecution(ctx, exec.ID, exec.TenantID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListExecutions 实现 Store 接口。
func (s *MySQLStore) ListExecutions(ctx context.Context, tenantID string, opts ListOptions) ([]*Execution, error) {
	opts.applyDefaults()
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if opts.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, opts.WorkflowID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(opts.Statuses)), ",")
		where = append(where, fmt.Sprintf("status IN (%s)", placeholders))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	order := "DESC"
	if opts.Order == SortByUpdatedAsc {
		order = "ASC"
	}
	query := fmt.Sprintf(`SELECT id, tenant_id, workflow_id, session_id, status, step_results, total_steps,
        completed_steps, started_at, finished_at, duration_ms, last_error, created_at, updated_at
        FROM workflow_executions WHERE %s
        ORDER BY updated_at %s, id ASC LIMIT ? OFFSET ?`, strings.Join(where, " AND "), order)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	defer rows.Close()

	var results []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return results, nil
}

// ExecutionStats 实现 Store 接口。
func (s *MySQLStore) ExecutionStats(ctx context.Context, tenantID string, opts ListOptions) (ExecutionStats, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if opts.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, opts.WorkflowID)
	}
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM workflow_executions
        WHERE %s GROUP BY status`, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ExecutionStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计执行记录失败")
	}
	defer rows.Close()

	stats := ExecutionStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return ExecutionStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取统计结果失败")
		}
		stats.Total += count
		switch ExecutionStatus(status) {
		case ExecutionPending:
			stats.Pending = count
		case ExecutionRunning:
			stats.Running = count
		case ExecutionCompleted:
			stats.Completed = count
		case ExecutionFailed:
			stats.Failed = count
		case ExecutionCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return ExecutionStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	return stats, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*Definition, error) {
	var def Definition
	var status string
	var steps []byte
	err := row.Scan(&def.ID, &def.TenantID, &def.Name, &def.Version, &status, &steps, &def.CreatedAt, &def.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取工作流定义失败")
	}
	def.Status = DefinitionStatus(status)
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &def.Steps); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析步骤失败")
		}
	}
	return &def, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var status string
	var stepResults []byte
	var lastError sql.NullString
	err := row.Scan(&exec.ID, &exec.TenantID, &exec.WorkflowID, &exec.SessionID, &status, &stepResults,
		&exec.TotalSteps, &exec.CompletedSteps, &exec.StartedAt, &exec.FinishedAt, &exec.DurationMS,
		&lastError, &exec.CreatedAt, &exec.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取执行记录失败")
	}
	exec.Status = ExecutionStatus(status)
	exec.Error = lastError.String
	if len(stepResults) > 0 && string(stepResults) != "null" {
		if err := json.Unmarshal(stepResults, &exec.StepResults); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析步骤结果失败")
		}
	}
	return &exec, nil
}

var _ Store = (*MySQLStore)(nil)
