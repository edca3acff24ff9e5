package planner

import (
	"fmt"
)

// ErrUnknownDependency indicates a dependency reference missing from the plan.
var ErrUnknownDependency = fmt.Errorf("unknown dependency")

// ErrCycleDetected indicates the dependency graph contains a cycle.
var ErrCycleDetected = fmt.Errorf("cycle detected")

// ErrDuplicateStepID indicates two steps share an id.
var ErrDuplicateStepID = fmt.Errorf("duplicate step id")

// ValidateSteps checks the structural invariants of a step graph: ids are
// unique, every dependency references a step in the same plan, and the
// dependency relation is acyclic.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("step with empty id")
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, s.ID)
		}
		ids[s.ID] = true
	}

	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, s.ID, dep)
			}
		}
		deps[s.ID] = s.DependsOn
	}

	visited := make(map[string]bool, len(steps))
	recStack := make(map[string]bool, len(steps))

	var hasCycle func(string) bool
	hasCycle = func(id string) bool {
		if recStack[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		recStack[id] = true
		for _, dep := range deps[id] {
			if hasCycle(dep) {
				return true
			}
		}
		recStack[id] = false
		return false
	}

	for _, s := range steps {
		if !visited[s.ID] {
			if hasCycle(s.ID) {
				return fmt.Errorf("%w: involving step %s", ErrCycleDetected, s.ID)
			}
		}
	}
	return nil
}
