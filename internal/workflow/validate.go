package workflow

import (
	"fmt"

	xerrors "FlowMesh/internal/errors"
)

// ValidateDefinition 检查工作流定义是否可执行：
// 至少一个步骤、步骤 ID 唯一、依赖只引用已声明且不晚于自身的步骤、无环。
// 返回 nil 表示通过。
func ValidateDefinition(def *Definition) error {
	if def == nil {
		return xerrors.New(xerrors.CodeValidationFailed, "工作流定义为空")
	}
	if len(def.Steps) == 0 {
		return xerrors.New(xerrors.CodeValidationFailed, "工作流至少需要一个步骤")
	}

	position := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if step.ID == "" {
			return xerrors.New(xerrors.CodeValidationFailed, fmt.Sprintf("第 %d 个步骤缺少 ID", i+1))
		}
		if _, ok := position[step.ID]; ok {
			return xerrors.New(xerrors.CodeValidationFailed, fmt.Sprintf("步骤 ID %q 重复", step.ID))
		}
		position[step.ID] = i
	}

	for i, step := range def.Steps {
		for _, dep := range step.DependsOn {
			depPos, ok := position[dep]
			if !ok {
				return xerrors.New(xerrors.CodeValidationFailed,
					fmt.Sprintf("步骤 %q 依赖未声明的步骤 %q", step.ID, dep))
			}
			if depPos > i {
				return xerrors.New(xerrors.CodeValidationFailed,
					fmt.Sprintf("步骤 %q 依赖声明在其后的步骤 %q", step.ID, dep))
			}
		}
	}

	if cycle := findCycle(def.Steps); cycle != "" {
		return xerrors.New(xerrors.CodeValidationFailed,
			fmt.Sprintf("依赖图存在环，经过步骤 %q", cycle))
	}
	return nil
}

// findCycle 对依赖图做深度优先遍历，返回环上任意一个步骤 ID，无环返回空串。
func findCycle(steps []StepSpec) string {
	deps := make(map[string][]string, len(steps))
	for _, step := range steps {
		deps[step.ID] = step.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if found := visit(dep); found != "" {
				return found
			}
		}
		state[id] = done
		return ""
	}

	for _, step := range steps {
		if found := visit(step.ID); found != "" {
			return found
		}
	}
	return ""
}
