package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "FlowMesh/internal/errors"
	"FlowMesh/internal/event"
	"FlowMesh/internal/kv"
	"FlowMesh/internal/messaging"
	"FlowMesh/internal/respool"
	"FlowMesh/internal/retry"
	"FlowMesh/internal/workflow"
	"FlowMesh/pkg/backoff"
)

// failingExecutor 对指定步骤返回失败，其余步骤回显成功。
type failingExecutor struct {
	failSteps map[string]bool
}

func (f *failingExecutor) ExecuteStep(_ context.Context, step workflow.StepSpec, input map[string]any) (map[string]any, error) {
	if f.failSteps[step.ID] {
		return nil, errors.New("步骤执行失败")
	}
	return map[string]any{"step": step.ID}, nil
}

type testEnv struct {
	orch   *Orchestrator
	store  *workflow.MemoryStore
	events *event.MemoryPublisher
}

func newTestEnv(executor workflow.StepExecutor) *testEnv {
	if executor == nil {
		executor = workflow.TestStepExecutor{}
	}
	store := workflow.NewMemoryStore()
	events := event.NewMemoryPublisher()
	engine := workflow.NewEngine(workflow.NewExecutorSet(executor),
		workflow.WithStepBackoff(backoff.Exponential(time.Millisecond, 2, 5*time.Millisecond)))
	orch := New(store, engine,
		WithEventPublisher(events),
		WithRetryExecutor(retry.NewExecutor(
			retry.WithMaxAttempts(1),
			retry.WithBackoffPolicy(backoff.Exponential(time.Millisecond, 2, 5*time.Millisecond)),
		)),
	)
	return &testEnv{orch: orch, store: store, events: events}
}

func draftDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:     "demo",
		TenantID: "t1",
		Steps: []workflow.StepSpec{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"a"}, Parallel: true},
		},
	}
}

func eventTypes(events []event.Event) []event.Type {
	types := make([]event.Type, 0, len(events))
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	return types
}

func TestCreateWorkflowPersistsDraft(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()

	def, err := env.orch.CreateWorkflow(ctx, draftDefinition())
	if err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	if def.ID == "" {
		t.Fatal("应自动分配 ID")
	}
	if def.Status != workflow.DefinitionDraft {
		t.Fatalf("状态 = %s, want draft", def.Status)
	}
	if def.Version != 1 {
		t.Fatalf("版本 = %d, want 1", def.Version)
	}
}

func TestCreateWorkflowRejectsInvalidGraph(t *testing.T) {
	env := newTestEnv(nil)
	def := draftDefinition()
	def.Steps = append(def.Steps, workflow.StepSpec{ID: "a"})

	if _, err := env.orch.CreateWorkflow(context.Background(), def); err == nil {
		t.Fatal("非法步骤图应被拒绝")
	}
}

func TestActivateWorkflowTransitions(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()

	def, _ := env.orch.CreateWorkflow(ctx, draftDefinition())
	activated, err := env.orch.ActivateWorkflow(ctx, def.ID, "t1")
	if err != nil {
		t.Fatalf("激活失败: %v", err)
	}
	if activated.Status != workflow.DefinitionActive {
		t.Fatalf("状态 = %s, want active", activated.Status)
	}

	// 重复激活幂等。
	if _, err := env.orch.ActivateWorkflow(ctx, def.ID, "t1"); err != nil {
		t.Fatalf("重复激活不应报错: %v", err)
	}

	// 租户不匹配视为不存在。
	if _, err := env.orch.ActivateWorkflow(ctx, def.ID, "other"); !errors.Is(err, workflow.ErrWorkflowNotFound) {
		t.Fatalf("跨租户激活应返回 NotFound: %v", err)
	}
}

func TestExecuteWorkflowHappyPath(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()

	def, _ := env.orch.CreateWorkflow(ctx, draftDefinition())
	_, _ = env.orch.ActivateWorkflow(ctx, def.ID, "t1")

	exec, err := env.orch.ExecuteWorkflow(ctx, def.ID, ExecContext{
		TenantID: "t1",
		Input:    map[string]any{"x": 1},
	})
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if exec.Status != workflow.ExecutionCompleted {
		t.Fatalf("状态 = %s, want completed", exec.Status)
	}
	if exec.CompletedSteps != 3 || exec.TotalSteps != 3 {
		t.Fatalf("步骤计数不符: %d/%d", exec.CompletedSteps, exec.TotalSteps)
	}
	if exec.SessionID == "" {
		t.Fatal("应自动分配会话 ID")
	}
	if len(exec.StepResults) != 3 {
		t.Fatalf("stepResults 应有 3 条: %d", len(exec.StepResults))
	}

	// 持久化记录与返回值一致。
	stored, err := env.orch.GetExecution(ctx, exec.ID, "t1")
	if err != nil {
		t.Fatalf("读取执行记录失败: %v", err)
	}
	if stored.Status != workflow.ExecutionCompleted {
		t.Fatalf("持久化状态 = %s, want completed", stored.Status)
	}

	types := eventTypes(env.events.Events())
	if len(types) != 2 || types[0] != event.ExecutionStarted || types[1] != event.ExecutionCompleted {
		t.Fatalf("事件序列不符: %v", types)
	}

	// 会话上下文在退出路径上被释放。
	if env.orch.sessions.Len() != 0 {
		t.Fatalf("会话未释放: %d", env.orch.sessions.Len())
	}
}

func TestExecuteWorkflowPartialFailure(t *testing.T) {
	env := newTestEnv(&failingExecutor{failSteps: map[string]bool{"b": true}})
	ctx := context.Background()

	def, _ := env.orch.CreateWorkflow(ctx, draftDefinition())
	_, _ = env.orch.ActivateWorkflow(ctx, def.ID, "t1")

	exec, err := env.orch.ExecuteWorkflow(ctx, def.ID, ExecContext{TenantID: "t1"})
	if err != nil {
		t.Fatalf("部分失败不应抛错: %v", err)
	}
	if exec.Status != workflow.ExecutionCompleted {
		t.Fatalf("状态 = %s, want completed", exec.Status)
	}
	if exec.CompletedSteps != 2 {
		t.Fatalf("completedSteps = %d, want 2", exec.CompletedSteps)
	}
	if exec.Error == "" {
		t.Fatal("部分失败应在 Error 中注明")
	}
}

func TestExecuteWorkflowRequiresActiveDefinition(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()

	def, _ := env.orch.CreateWorkflow(ctx, draftDefinition())

	// draft 状态不可执行，且不创建执行记录。
	if _, err := env.orch.ExecuteWorkflow(ctx, def.ID, ExecContext{TenantID: "t1"}); !errors.Is(err, workflow.ErrWorkflowNotActive) {
		t.Fatalf("draft 执行应返回 NotActive: %v", err)
	}
	// 不存在的工作流同样立即失败。
	if _, err := env.orch.ExecuteWorkflow(ctx, "ghost", ExecContext{TenantID: "t1"}); !errors.Is(err, workflow.ErrWorkflowNotFound) {
		t.Fatalf("未知工作流应返回 NotFound: %v", err)
	}

	execs, _ := env.orch.ListExecutions(ctx, "t1")
	if len(execs) != 0 {
		t.Fatalf("失败的派发不应留下执行记录: %d", len(execs))
	}
	if len(env.events.Events()) != 0 {
		t.Fatalf("失败的派发不应发事件: %v", eventTypes(env.events.Events()))
	}
	if env.orch.sessions.Len() != 0 {
		t.Fatal("失败路径也应释放会话")
	}
}

func TestCancelExecutionSemantics(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()

	running := &workflow.Execution{
		ID: "e1", WorkflowID: "wf", TenantID: "t1",
		Status: workflow.ExecutionRunning, StartedAt: time.Now().Unix(),
	}
	if err := env.store.CreateExecution(ctx, running); err != nil {
		t.Fatalf("准备执行记录失败: %v", err)
	}

	// 不存在：false，无错误。
	cancelled, err := env.orch.CancelExecution(ctx, "ghost", "t1")
	if err != nil || cancelled {
		t.Fatalf("不存在的执行应返回 (false, nil): %v %v", cancelled, err)
	}

	// running：取消成功，恰好一次。
	cancelled, err = env.orch.CancelExecution(ctx, "e1", "t1")
	if err != nil || !cancelled {
		t.Fatalf("取消失败: %v %v", cancelled, err)
	}
	stored, _ := env.orch.GetExecution(ctx, "e1", "t1")
	if stored.Status != workflow.ExecutionCancelled || stored.FinishedAt == 0 {
		t.Fatalf("取消未落库: %+v", stored)
	}

	// 已取消：幂等返回 false，不再发事件。
	cancelled, err = env.orch.CancelExecution(ctx, "e1", "t1")
	if err != nil || cancelled {
		t.Fatalf("二次取消应返回 (false, nil): %v %v", cancelled, err)
	}
	types := eventTypes(env.events.Events())
	if len(types) != 1 || types[0] != event.ExecutionCancelled {
		t.Fatalf("取消事件应恰好一条: %v", types)
	}

	// 非 running 的终态：报错。
	done := &workflow.Execution{ID: "e2", WorkflowID: "wf", TenantID: "t1", Status: workflow.ExecutionCompleted}
	_ = env.store.CreateExecution(ctx, done)
	if _, err := env.orch.CancelExecution(ctx, "e2", "t1"); !errors.Is(err, workflow.ErrExecutionNotRunning) {
		t.Fatalf("取消已完成的执行应报错: %v", err)
	}
}

func TestSessionRegistrySharedAcquire(t *testing.T) {
	registry := NewSessionRegistry()

	first := registry.Acquire("s1", "t1")
	second := registry.Acquire("s1", "t1")
	if first.ID != second.ID {
		t.Fatal("同一会话应共享记录")
	}
	if registry.Len() != 1 {
		t.Fatalf("会话数 = %d, want 1", registry.Len())
	}

	registry.Release("s1")
	if _, ok := registry.Lookup("s1"); !ok {
		t.Fatal("仍有引用时记录应保留")
	}
	registry.Release("s1")
	if _, ok := registry.Lookup("s1"); ok {
		t.Fatal("引用归零后记录应删除")
	}

	generated := registry.Acquire("", "t1")
	if generated.ID == "" {
		t.Fatal("空会话 ID 应自动生成")
	}
	registry.Release(generated.ID)
}

func TestExecutionLeaseBoundsConcurrency(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()
	broker := respool.NewBroker(kv.NewMemory(), "test")
	WithExecutionLeases(broker, 1, time.Minute)(env.orch)

	def, _ := env.orch.CreateWorkflow(ctx, draftDefinition())
	if _, err := env.orch.ActivateWorkflow(ctx, def.ID, "t1"); err != nil {
		t.Fatalf("激活失败: %v", err)
	}

	// 预先占满租户的唯一执行槽位。
	if !broker.CreateResourcePool(ctx, leasePool("t1"), 1) {
		t.Fatal("创建租约池失败")
	}
	if !broker.AllocateResource(ctx, leasePool("t1"), "occupied", "other", time.Minute, nil) {
		t.Fatal("预占槽位失败")
	}

	_, err := env.orch.ExecuteWorkflow(ctx, def.ID, ExecContext{TenantID: "t1"})
	if xerrors.CodeOf(err) != xerrors.CodePoolExhausted {
		t.Fatalf("err = %v, want POOL_EXHAUSTED", err)
	}
	execs, _ := env.orch.ListExecutions(ctx, "t1")
	if len(execs) != 0 {
		t.Fatalf("租约耗尽不应创建执行记录, got %d", len(execs))
	}

	// 释放后执行恢复，且结束时租约被归还。
	broker.ReleaseResource(ctx, leasePool("t1"), "occupied")
	exec, err := env.orch.ExecuteWorkflow(ctx, def.ID, ExecContext{TenantID: "t1"})
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if exec.Status != workflow.ExecutionCompleted {
		t.Fatalf("状态 = %s, want completed", exec.Status)
	}
	if count := broker.AllocatedCount(ctx, leasePool("t1")); count != 0 {
		t.Fatalf("执行结束后仍有 %d 个租约未释放", count)
	}
}

func TestSessionNotifiedOnTerminalStatus(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()
	messenger := messaging.NewMessenger(kv.NewMemory(), "test")
	WithSessionMessenger(messenger)(env.orch)

	def, _ := env.orch.CreateWorkflow(ctx, draftDefinition())
	if _, err := env.orch.ActivateWorkflow(ctx, def.ID, "t1"); err != nil {
		t.Fatalf("激活失败: %v", err)
	}
	exec, err := env.orch.ExecuteWorkflow(ctx, def.ID, ExecContext{TenantID: "t1", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	msgs := messenger.ReceiveMessages(ctx, "sess-1", 10)
	if len(msgs) != 1 {
		t.Fatalf("会话消息数 = %d, want 1", len(msgs))
	}
	if msgs[0].Type != "execution_status" {
		t.Fatalf("消息类型 = %s, want execution_status", msgs[0].Type)
	}
	if msgs[0].Payload["execution_id"] != exec.ID {
		t.Fatalf("消息载荷不含执行 ID: %v", msgs[0].Payload)
	}
	if msgs[0].Payload["status"] != string(workflow.ExecutionCompleted) {
		t.Fatalf("消息状态 = %v, want completed", msgs[0].Payload["status"])
	}
}
