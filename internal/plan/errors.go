package plan

import (
	"fmt"
	"strings"
)

// UnknownDependencyError reports a task whose dependency id is absent from
// the submitted set.
type UnknownDependencyError struct {
	TaskID     string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("plan: task %q depends on unknown task %q", e.TaskID, e.Dependency)
}

// CycleError reports a dependency cycle. Path holds one witness cycle in
// forward order, first and last element equal.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "plan: dependency cycle detected"
	}
	return fmt.Sprintf("plan: dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// DuplicateTaskError reports two tasks submitted with the same id.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("plan: duplicate task id %q", e.TaskID)
}
