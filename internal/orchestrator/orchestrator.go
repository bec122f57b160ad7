package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"FlowMesh/internal/dispatch"
	xerrors "FlowMesh/internal/errors"
	"FlowMesh/internal/event"
	"FlowMesh/internal/messaging"
	"FlowMesh/internal/observability/alerting"
	"FlowMesh/internal/respool"
	"FlowMesh/internal/retry"
	"FlowMesh/internal/workflow"
	"FlowMesh/pkg/logger"
	"github.com/google/uuid"
)

// 租户并发执行租约的默认参数。
const (
	defaultLeaseCapacity = 10
	defaultLeaseTTL      = time.Hour
)

// ExecContext 携带一次执行请求的调用方上下文。
type ExecContext struct {
	TenantID  string
	SessionID string
	Input     map[string]any
}

// Orchestrator 把存储的工作流定义和调用方上下文绑定到一次执行，
// 负责生命周期事件、租户隔离与会话上下文管理。
type Orchestrator struct {
	store     workflow.Store
	engine    *workflow.Engine
	events    event.Publisher
	alerts    alerting.Dispatcher
	retrier   *retry.Executor
	sessions  *SessionRegistry
	agents    *dispatch.Registry
	health    *dispatch.Dispatcher
	messenger *messaging.Messenger
	leases    *respool.Broker
	leaseCap  int
	leaseTTL  time.Duration
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithEventPublisher 替换事件发布器。
func WithEventPublisher(pub event.Publisher) Option {
	return func(o *Orchestrator) {
		o.events = pub
	}
}

// WithAlertDispatcher 注入告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = d
	}
}

// WithRetryExecutor 替换引擎级重试执行器。
func WithRetryExecutor(r *retry.Executor) Option {
	return func(o *Orchestrator) {
		o.retrier = r
	}
}

// WithAgentDispatch 注入智能体注册表与分发器，用于健康检查。
func WithAgentDispatch(registry *dispatch.Registry, dispatcher *dispatch.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.agents = registry
		o.health = dispatcher
	}
}

// WithSessionMessenger 注入会话消息通道。
// 注入后执行进入终态时会向发起会话的队列投递一条状态通知。
func WithSessionMessenger(m *messaging.Messenger) Option {
	return func(o *Orchestrator) {
		o.messenger = m
	}
}

// WithExecutionLeases 注入执行租约代理，限制单租户的并发执行数。
// capacity 或 ttl 非正时使用默认值。
func WithExecutionLeases(broker *respool.Broker, capacity int, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.leases = broker
		o.leaseCap = capacity
		o.leaseTTL = ttl
		if o.leaseCap <= 0 {
			o.leaseCap = defaultLeaseCapacity
		}
		if o.leaseTTL <= 0 {
			o.leaseTTL = defaultLeaseTTL
		}
	}
}

// New 构造 Orchestrator。
func New(store workflow.Store, engine *workflow.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		engine:   engine,
		events:   event.NewMemoryPublisher(),
		retrier:  retry.NewExecutor(),
		sessions: NewSessionRegistry(),
		log:      logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// CreateWorkflow 校验并持久化一个 draft 状态的工作流定义。
func (o *Orchestrator) CreateWorkflow(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	if def == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工作流定义不能为空")
	}
	if def.TenantID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工作流定义缺少租户")
	}
	if err := workflow.ValidateDefinition(def); err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Version <= 0 {
		def.Version = 1
	}
	def.Status = workflow.DefinitionDraft
	if err := o.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}
	o.log.Info("工作流已创建",
		slog.String("workflow_id", def.ID),
		slog.String("tenant_id", def.TenantID),
		slog.Int("steps", len(def.Steps)))
	return def, nil
}

// ActivateWorkflow 将 draft 状态的工作流转为 active。
// 只有 draft 可以激活；重复激活是幂等的。
func (o *Orchestrator) ActivateWorkflow(ctx context.Context, workflowID, tenantID string) (*workflow.Definition, error) {
	def, err := o.store.GetDefinition(ctx, workflowID, tenantID)
	if err != nil {
		return nil, err
	}
	switch def.Status {
	case workflow.DefinitionActive:
		return def, nil
	case workflow.DefinitionDraft:
		def.Status = workflow.DefinitionActive
		if err := o.store.SaveDefinition(ctx, def); err != nil {
			return nil, err
		}
		o.log.Info("工作流已激活",
			slog.String("workflow_id", def.ID),
			slog.String("tenant_id", def.TenantID))
		return def, nil
	default:
		return nil, xerrors.New(xerrors.CodeWorkflowNotActive,
			fmt.Sprintf("工作流处于 %s 状态，无法激活", def.Status))
	}
}

// ExecuteWorkflow 对一个 active 工作流发起一次执行。
// 工作流不存在或未激活时立即失败，不创建执行记录；
// 执行记录在任何错误返回前都会被推进到终态。
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string, ec ExecContext) (*workflow.Execution, error) {
	if ec.TenantID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "执行请求缺少租户")
	}

	session := o.sessions.Acquire(ec.SessionID, ec.TenantID)
	defer o.sessions.Release(session.ID)

	def, err := o.store.GetDefinition(ctx, workflowID, ec.TenantID)
	if err != nil {
		return nil, err
	}
	if def.Status != workflow.DefinitionActive {
		return nil, workflow.ErrWorkflowNotActive
	}

	executionID := uuid.NewString()
	if o.leases != nil {
		pool := leasePool(ec.TenantID)
		if _, ok := o.leases.GetPool(ctx, pool); !ok {
			o.leases.CreateResourcePool(ctx, pool, o.leaseCap)
		}
		if !o.leases.AllocateResource(ctx, pool, executionID, session.ID, o.leaseTTL, nil) {
			return nil, xerrors.New(xerrors.CodePoolExhausted,
				fmt.Sprintf("租户并发执行已达上限 %d", o.leaseCap))
		}
		defer o.leases.ReleaseResource(ctx, pool, executionID)
	}

	exec := &workflow.Execution{
		ID:          executionID,
		WorkflowID:  def.ID,
		TenantID:    ec.TenantID,
		SessionID:   session.ID,
		Status:      workflow.ExecutionPending,
		StepResults: map[string]workflow.StepResult{},
		TotalSteps:  len(def.Steps),
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	started := time.Now()
	exec.Status = workflow.ExecutionRunning
	exec.StartedAt = started.Unix()
	if err := o.store.SaveExecution(ctx, exec); err != nil {
		return nil, o.failExecution(ctx, exec, started, err)
	}
	o.publish(ctx, event.Event{
		Type:        event.ExecutionStarted,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		SessionID:   exec.SessionID,
		TenantID:    exec.TenantID,
	})

	pctx := workflow.NewPipelineContext(ec.Input)
	run, err := retry.DoValue(ctx, o.retrier, fmt.Sprintf("workflow_%s", workflowID),
		func(ctx context.Context) (workflow.RunResult, error) {
			return o.engine.ExecuteWorkflow(ctx, def, pctx)
		})
	if err != nil {
		return nil, o.failExecution(ctx, exec, started, err)
	}

	finished := time.Now()
	exec.StepResults = run.StepResults
	exec.CompletedSteps = run.CompletedSteps
	exec.FinishedAt = finished.Unix()
	exec.DurationMS = finished.Sub(started).Milliseconds()
	switch run.Status {
	case workflow.EngineFailure:
		exec.Status = workflow.ExecutionFailed
		exec.Error = "所有步骤均失败"
	case workflow.EnginePartial:
		exec.Status = workflow.ExecutionCompleted
		exec.Error = fmt.Sprintf("%d/%d 个步骤未成功", exec.TotalSteps-run.CompletedSteps, exec.TotalSteps)
	default:
		exec.Status = workflow.ExecutionCompleted
	}
	if current, getErr := o.store.GetExecution(ctx, exec.ID, exec.TenantID); getErr == nil &&
		current.Status == workflow.ExecutionCancelled {
		// 取消只翻转持久化状态，已返回的步骤结果仍然入库。
		exec.Status = workflow.ExecutionCancelled
	}
	if err := o.store.SaveExecution(ctx, exec); err != nil {
		return nil, o.failExecution(ctx, exec, started, err)
	}

	o.publish(ctx, event.Event{
		Type:        event.ExecutionCompleted,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		SessionID:   exec.SessionID,
		TenantID:    exec.TenantID,
		DurationMS:  exec.DurationMS,
		Error:       exec.Error,
	})
	o.notifySession(ctx, exec)
	o.log.Info("工作流执行结束",
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("status", string(exec.Status)),
		slog.Int("completed_steps", exec.CompletedSteps),
		slog.Int64("duration_ms", exec.DurationMS))
	return exec, nil
}

func leasePool(tenantID string) string {
	return "tenant-exec:" + tenantID
}

// notifySession 向发起会话的消息队列投递执行状态通知，至少一次送达。
func (o *Orchestrator) notifySession(ctx context.Context, exec *workflow.Execution) {
	if o.messenger == nil || exec.SessionID == "" {
		return
	}
	o.messenger.SendMessage(ctx, messaging.Message{
		Sender:    "orchestrator",
		Recipient: exec.SessionID,
		Type:      "execution_status",
		Payload: map[string]any{
			"execution_id": exec.ID,
			"workflow_id":  exec.WorkflowID,
			"status":       string(exec.Status),
			"error":        exec.Error,
		},
	})
}

// failExecution 将执行记录尽力推进到 failed 终态并上报，返回原始错误。
func (o *Orchestrator) failExecution(ctx context.Context, exec *workflow.Execution, started time.Time, cause error) error {
	finished := time.Now()
	exec.Status = workflow.ExecutionFailed
	exec.Error = cause.Error()
	exec.FinishedAt = finished.Unix()
	exec.DurationMS = finished.Sub(started).Milliseconds()
	if saveErr := o.store.SaveExecution(ctx, exec); saveErr != nil {
		o.log.Error("持久化失败状态未成功",
			slog.String("execution_id", exec.ID),
			slog.String("error", saveErr.Error()))
	}
	o.publish(ctx, event.Event{
		Type:        event.ExecutionFailed,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		SessionID:   exec.SessionID,
		TenantID:    exec.TenantID,
		DurationMS:  exec.DurationMS,
		Error:       exec.Error,
	})
	alerting.Report(ctx, o.alerts, cause, exec.ID, exec.WorkflowID, exec.TenantID)
	o.notifySession(ctx, exec)
	return cause
}

// CancelExecution 取消一次 running 状态的执行。
// 记录不存在返回 false；存在但不处于 running 返回 ErrExecutionNotRunning；
// 已取消的执行上再次调用返回 false，不重复发事件。
func (o *Orchestrator) CancelExecution(ctx context.Context, executionID, tenantID string) (bool, error) {
	exec, err := o.store.GetExecution(ctx, executionID, tenantID)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeExecutionNotFound {
			return false, nil
		}
		return false, err
	}
	switch exec.Status {
	case workflow.ExecutionCancelled:
		return false, nil
	case workflow.ExecutionRunning:
	default:
		return false, workflow.ErrExecutionNotRunning
	}

	finished := time.Now()
	exec.Status = workflow.ExecutionCancelled
	exec.FinishedAt = finished.Unix()
	if exec.StartedAt > 0 {
		exec.DurationMS = (finished.Unix() - exec.StartedAt) * 1000
	}
	if err := o.store.SaveExecution(ctx, exec); err != nil {
		return false, err
	}
	o.publish(ctx, event.Event{
		Type:        event.ExecutionCancelled,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		SessionID:   exec.SessionID,
		TenantID:    exec.TenantID,
	})
	o.notifySession(ctx, exec)
	o.log.Info("执行已取消",
		slog.String("execution_id", exec.ID),
		slog.String("tenant_id", tenantID))
	return true, nil
}

// GetWorkflow 按租户读取工作流定义。
func (o *Orchestrator) GetWorkflow(ctx context.Context, workflowID, tenantID string) (*workflow.Definition, error) {
	return o.store.GetDefinition(ctx, workflowID, tenantID)
}

// ListWorkflows 按租户列出工作流定义。
func (o *Orchestrator) ListWorkflows(ctx context.Context, tenantID string, opts ...workflow.ListOption) ([]*workflow.Definition, error) {
	return o.store.ListDefinitions(ctx, tenantID, workflow.BuildListOptions(opts...))
}

// GetExecution 按租户读取执行记录。
func (o *Orchestrator) GetExecution(ctx context.Context, executionID, tenantID string) (*workflow.Execution, error) {
	return o.store.GetExecution(ctx, executionID, tenantID)
}

// ListExecutions 按租户列出执行记录。
func (o *Orchestrator) ListExecutions(ctx context.Context, tenantID string, opts ...workflow.ListOption) ([]*workflow.Execution, error) {
	return o.store.ListExecutions(ctx, tenantID, workflow.BuildListOptions(opts...))
}

// AgentHealth 对注册表中的每个智能体执行健康检查。
// 未注入分发器时返回 nil。
func (o *Orchestrator) AgentHealth(ctx context.Context) map[string]bool {
	if o.agents == nil || o.health == nil {
		return nil
	}
	names := o.agents.Names()
	health := make(map[string]bool, len(names))
	for _, name := range names {
		health[name] = o.health.CheckHealth(ctx, name)
	}
	return health
}

// ExecutionStats 按租户统计执行记录。
func (o *Orchestrator) ExecutionStats(ctx context.Context, tenantID string, opts ...workflow.ListOption) (workflow.ExecutionStats, error) {
	return o.store.ExecutionStats(ctx, tenantID, workflow.BuildListOptions(opts...))
}

// publish 发布生命周期事件，失败只记录日志。
func (o *Orchestrator) publish(ctx context.Context, evt event.Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, evt); err != nil {
		o.log.Warn("事件发布失败",
			slog.String("type", string(evt.Type)),
			slog.String("execution_id", evt.ExecutionID),
			slog.String("error", err.Error()))
	}
}
