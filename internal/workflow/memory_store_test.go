package workflow

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreDefinitionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	def := defWithSteps(StepSpec{ID: "a"})
	if err := store.CreateDefinition(ctx, def); err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	if err := store.CreateDefinition(ctx, def); !errors.Is(err, ErrWorkflowConflict) {
		t.Fatalf("重复创建应返回冲突: %v", err)
	}

	got, err := store.GetDefinition(ctx, "wf", "t1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if got.ID != "wf" || len(got.Steps) != 1 {
		t.Fatalf("读取结果不符: %+v", got)
	}

	got.Status = DefinitionActive
	if err := store.SaveDefinition(ctx, got); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	again, _ := store.GetDefinition(ctx, "wf", "t1")
	if again.Status != DefinitionActive {
		t.Fatalf("更新未生效: %+v", again)
	}

	missing := defWithSteps(StepSpec{ID: "a"})
	missing.ID = "ghost"
	if err := store.SaveDefinition(ctx, missing); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("保存不存在的定义应返回 NotFound: %v", err)
	}
}

func TestMemoryStoreTenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	def := defWithSteps(StepSpec{ID: "a"})
	if err := store.CreateDefinition(ctx, def); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	if _, err := store.GetDefinition(ctx, "wf", "other-tenant"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("跨租户读取应返回 NotFound: %v", err)
	}

	other := defWithSteps(StepSpec{ID: "a"})
	other.TenantID = "t2"
	if err := store.CreateDefinition(ctx, other); err != nil {
		t.Fatalf("同 ID 不同租户应允许创建: %v", err)
	}

	t1Defs, _ := store.ListDefinitions(ctx, "t1", ListOptions{})
	if len(t1Defs) != 1 {
		t.Fatalf("t1 应只看到自己的定义: %d", len(t1Defs))
	}
}

func TestMemoryStoreExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	exec := &Execution{ID: "e1", WorkflowID: "wf", TenantID: "t1", Status: ExecutionPending, TotalSteps: 2}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("创建失败: %v", err)
	}

	exec.Status = ExecutionRunning
	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	got, err := store.GetExecution(ctx, "e1", "t1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if got.Status != ExecutionRunning {
		t.Fatalf("状态 = %s, want running", got.Status)
	}

	if _, err := store.GetExecution(ctx, "ghost", "t1"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("读取不存在的执行应返回 NotFound: %v", err)
	}
}

func TestMemoryStoreListExecutionsFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	seed := []*Execution{
		{ID: "e1", WorkflowID: "wf1", TenantID: "t1", Status: ExecutionCompleted},
		{ID: "e2", WorkflowID: "wf1", TenantID: "t1", Status: ExecutionFailed},
		{ID: "e3", WorkflowID: "wf2", TenantID: "t1", Status: ExecutionCompleted},
		{ID: "e4", WorkflowID: "wf1", TenantID: "t2", Status: ExecutionCompleted},
	}
	for _, exec := range seed {
		if err := store.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("创建 %s 失败: %v", exec.ID, err)
		}
	}

	byWorkflow, _ := store.ListExecutions(ctx, "t1",
		BuildListOptions(WithWorkflowID("wf1")))
	if len(byWorkflow) != 2 {
		t.Fatalf("wf1 下应有 2 条执行: %d", len(byWorkflow))
	}

	byStatus, _ := store.ListExecutions(ctx, "t1",
		BuildListOptions(WithStatuses(ExecutionFailed)))
	if len(byStatus) != 1 || byStatus[0].ID != "e2" {
		t.Fatalf("failed 过滤结果不符: %v", byStatus)
	}

	limited, _ := store.ListExecutions(ctx, "t1", BuildListOptions(WithLimit(2)))
	if len(limited) != 2 {
		t.Fatalf("limit 未生效: %d", len(limited))
	}
}

func TestMemoryStoreExecutionStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	seed := []*Execution{
		{ID: "e1", WorkflowID: "wf", TenantID: "t1", Status: ExecutionCompleted},
		{ID: "e2", WorkflowID: "wf", TenantID: "t1", Status: ExecutionCompleted},
		{ID: "e3", WorkflowID: "wf", TenantID: "t1", Status: ExecutionFailed},
		{ID: "e4", WorkflowID: "wf", TenantID: "t1", Status: ExecutionRunning},
	}
	for _, exec := range seed {
		_ = store.CreateExecution(ctx, exec)
	}

	stats, err := store.ExecutionStats(ctx, "t1", ListOptions{})
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Total != 4 || stats.Completed != 2 || stats.Failed != 1 || stats.Running != 1 {
		t.Fatalf("统计结果不符: %+v", stats)
	}
}

func TestMemoryStoreReturnsClones(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	def := defWithSteps(StepSpec{ID: "a", Input: map[string]any{"k": "v"}})
	_ = store.CreateDefinition(ctx, def)

	got, _ := store.GetDefinition(ctx, "wf", "t1")
	got.Steps[0].Input["k"] = "mutated"

	fresh, _ := store.GetDefinition(ctx, "wf", "t1")
	if fresh.Steps[0].Input["k"] != "v" {
		t.Fatal("读取结果应是副本，外部修改不应写回存储")
	}
}
