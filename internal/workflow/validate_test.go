package workflow

import (
	"testing"

	xerrors "FlowMesh/internal/errors"
)

func defWithSteps(steps ...StepSpec) *Definition {
	return &Definition{ID: "wf", Name: "wf", TenantID: "t1", Steps: steps}
}

func TestValidateAcyclicGraphPasses(t *testing.T) {
	def := defWithSteps(
		StepSpec{ID: "a"},
		StepSpec{ID: "b", DependsOn: []string{"a"}},
		StepSpec{ID: "c", DependsOn: []string{"a", "b"}},
	)
	if err := ValidateDefinition(def); err != nil {
		t.Fatalf("合法定义不应报错: %v", err)
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	if err := ValidateDefinition(nil); err == nil {
		t.Fatal("nil 定义应报错")
	}
	if err := ValidateDefinition(defWithSteps()); err == nil {
		t.Fatal("无步骤定义应报错")
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	def := defWithSteps(StepSpec{ID: "a"}, StepSpec{ID: "a"})
	err := ValidateDefinition(def)
	if err == nil {
		t.Fatal("重复 ID 应报错")
	}
	if xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("错误码 = %s, want WORKFLOW_VALIDATION_FAILED", xerrors.CodeOf(err))
	}
}

func TestValidateRejectsMissingID(t *testing.T) {
	def := defWithSteps(StepSpec{ID: "a"}, StepSpec{})
	if err := ValidateDefinition(def); err == nil {
		t.Fatal("缺少 ID 应报错")
	}
}

func TestValidateRejectsDanglingDependency(t *testing.T) {
	def := defWithSteps(StepSpec{ID: "a", DependsOn: []string{"ghost"}})
	if err := ValidateDefinition(def); err == nil {
		t.Fatal("悬空依赖应报错")
	}
}

func TestValidateRejectsForwardDependency(t *testing.T) {
	def := defWithSteps(
		StepSpec{ID: "a", DependsOn: []string{"b"}},
		StepSpec{ID: "b"},
	)
	if err := ValidateDefinition(def); err == nil {
		t.Fatal("依赖声明在其后的步骤应报错")
	}
}

func TestValidateAllowsSelfPositionDependency(t *testing.T) {
	// 依赖可以引用不晚于自身声明位置的步骤。
	def := defWithSteps(
		StepSpec{ID: "a"},
		StepSpec{ID: "b", DependsOn: []string{"a"}},
	)
	if err := ValidateDefinition(def); err != nil {
		t.Fatalf("不应报错: %v", err)
	}
}

func TestFindCycleDetectsCycle(t *testing.T) {
	steps := []StepSpec{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}
	if got := findCycle(steps); got == "" {
		t.Fatal("应检测到环")
	}
	acyclic := []StepSpec{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}
	if got := findCycle(acyclic); got != "" {
		t.Fatalf("无环图不应返回环: %s", got)
	}
}

func TestBuildStepInputMergeOrder(t *testing.T) {
	pctx := NewPipelineContext(map[string]any{"x": 1, "shared": "base"})
	pctx.RecordResult(StepResult{
		StepID:  "a",
		Success: true,
		Data:    map[string]any{"out": "from-a"},
	})

	step := StepSpec{
		ID:        "b",
		DependsOn: []string{"a"},
		Input:     map[string]any{"shared": "template-wins"},
	}
	input := pctx.BuildStepInput(step)

	if input["x"] != 1 {
		t.Fatalf("共享数据应打底: %v", input)
	}
	depData, ok := input["a"].(map[string]any)
	if !ok || depData["out"] != "from-a" {
		t.Fatalf("依赖输出应按步骤 ID 寻址: %v", input)
	}
	if input["shared"] != "template-wins" {
		t.Fatalf("步骤模板字段应优先: %v", input)
	}
}
