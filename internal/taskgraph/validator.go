// Package taskgraph validates and auto-repairs task dependency graphs before
// they enter a project's pool. Fixable defects (orphan dependencies, cycles,
// final tasks with no dependencies) are repaired in place with human-readable
// warnings; a strict entrypoint rejects instead, for tests and diagnostics.
package taskgraph

import (
	"fmt"

	"github.com/marcushq/marcus/internal/models"
)

// maxCycleBreaks caps pass 2. If the graph still has a cycle after ten
// removals, fixing is abandoned; downstream strict validation will reject.
const maxCycleBreaks = 10

// ValidateAndFix repairs tasks in place and returns the same slice plus
// warnings describing every repair. It never fails on a fixable defect.
// Passes run in a fixed order: orphan removal, cycle breaking, final-task
// closure.
func ValidateAndFix(tasks []*models.Task) ([]*models.Task, []string) {
	var warnings []string
	warnings = append(warnings, removeOrphanDependencies(tasks)...)
	warnings = append(warnings, breakCycles(tasks)...)
	warnings = append(warnings, closeFinalTasks(tasks)...)
	return tasks, warnings
}

// ValidateStrict returns an error describing the first defect found, without
// mutating the input.
func ValidateStrict(tasks []*models.Task) error {
	ids := idSet(tasks)
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("task %q has invalid dependency %q", t.ID, dep)
			}
		}
	}
	if cycle := findCycle(tasks); cycle != nil {
		return fmt.Errorf("dependency cycle detected: %v", cycle)
	}
	impl, finals := partition(tasks)
	if len(impl) > 0 {
		for _, f := range finals {
			if len(f.Dependencies) == 0 {
				return fmt.Errorf("final task %q has no dependencies", f.ID)
			}
		}
	}
	return nil
}

func idSet(tasks []*models.Task) map[string]*models.Task {
	ids := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = t
	}
	return ids
}

// removeOrphanDependencies is pass 1: drop dependency entries that do not
// name a task in the same list. Duplicate entries referencing real tasks are
// tolerated.
func removeOrphanDependencies(tasks []*models.Task) []string {
	ids := idSet(tasks)
	var warnings []string

	for _, t := range tasks {
		removed := 0
		kept := t.Dependencies[:0]
		var keptTypes []models.DependencyType
		hasTypes := len(t.DependencyTypes) == len(t.Dependencies)

		for i, dep := range t.Dependencies {
			if _, ok := ids[dep]; !ok {
				removed++
				continue
			}
			kept = append(kept, dep)
			if hasTypes {
				keptTypes = append(keptTypes, t.DependencyTypes[i])
			}
		}
		t.Dependencies = kept
		if hasTypes {
			t.DependencyTypes = keptTypes
		}

		if removed > 0 {
			warnings = append(warnings, fmt.Sprintf("Removed %d invalid %s from '%s'",
				removed, plural(removed, "dependency", "dependencies"), t.Name))
		}
	}
	return warnings
}

// breakCycles is pass 2: repeatedly find one cycle with a three-color DFS
// and remove its closing edge, the one from the second-to-last node of the
// cycle representation to the last.
func breakCycles(tasks []*models.Task) []string {
	byID := idSet(tasks)
	var warnings []string

	for i := 0; i < maxCycleBreaks; i++ {
		cycle := findCycle(tasks)
		if cycle == nil {
			break
		}
		from := byID[cycle[len(cycle)-2]]
		to := byID[cycle[len(cycle)-1]]
		removeDependency(from, to.ID)
		warnings = append(warnings, fmt.Sprintf("Broke circular dependency: removed link from '%s' to '%s'",
			from.Name, to.Name))
	}
	return warnings
}

// color values for the DFS.
type color uint8

const (
	white color = iota // unvisited
	gray               // on the current path
	black              // finished
)

// findCycle returns a cycle as [A B ... A] task IDs, or nil. Traversal is
// deterministic: tasks in list order, dependencies in declaration order.
func findCycle(tasks []*models.Task) []string {
	byID := idSet(tasks)
	colors := make(map[string]color, len(tasks))
	var stack []string

	var visit func(t *models.Task) []string
	visit = func(t *models.Task) []string {
		colors[t.ID] = gray
		stack = append(stack, t.ID)

		for _, dep := range t.Dependencies {
			depTask, ok := byID[dep]
			if !ok {
				continue
			}
			switch colors[dep] {
			case gray:
				// Slice the current path from the repeated node through the
				// current node, then close the loop.
				for i, id := range stack {
					if id == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if c := visit(depTask); c != nil {
					return c
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[t.ID] = black
		return nil
	}

	for _, t := range tasks {
		if colors[t.ID] == white {
			if c := visit(t); c != nil {
				return c
			}
		}
	}
	return nil
}

// removeDependency drops every occurrence of depID from t's dependency list,
// keeping the parallel dependency-type array aligned.
func removeDependency(t *models.Task, depID string) {
	hasTypes := len(t.DependencyTypes) == len(t.Dependencies)
	kept := t.Dependencies[:0]
	var keptTypes []models.DependencyType
	for i, dep := range t.Dependencies {
		if dep == depID {
			continue
		}
		kept = append(kept, dep)
		if hasTypes {
			keptTypes = append(keptTypes, t.DependencyTypes[i])
		}
	}
	t.Dependencies = kept
	if hasTypes {
		t.DependencyTypes = keptTypes
	}
}

// partition splits tasks into implementation and final tasks. A task can be
// neither (e.g. labeled "documentation" but not final).
func partition(tasks []*models.Task) (impl, finals []*models.Task) {
	for _, t := range tasks {
		if t.IsFinal() {
			finals = append(finals, t)
			continue
		}
		if t.IsImplementation() {
			impl = append(impl, t)
		}
	}
	return impl, finals
}

// closeFinalTasks is pass 3: a final task with no dependencies must run
// last, so it gains a dependency on every implementation task, preserving
// implementation order.
func closeFinalTasks(tasks []*models.Task) []string {
	impl, finals := partition(tasks)
	if len(impl) == 0 || len(finals) == 0 {
		return nil
	}

	implIDs := make([]string, len(impl))
	for i, t := range impl {
		implIDs[i] = t.ID
	}

	var warnings []string
	for _, f := range finals {
		if len(f.Dependencies) > 0 {
			continue
		}
		f.Dependencies = append([]string(nil), implIDs...)
		f.DependencyTypes = nil
		n := len(implIDs)
		warnings = append(warnings, fmt.Sprintf("Added %d implementation task %s to '%s' to ensure it runs last",
			n, plural(n, "dependency", "dependencies"), f.Name))
	}
	return warnings
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}
