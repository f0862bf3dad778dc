package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fenwick-ops/conductor/internal/cerrors"
	"github.com/fenwick-ops/conductor/internal/model"
)

// Validate runs the structural checks of §4.7 rule 1/2/3 against an
// already-materialized Workflow record: unique task ids, dependency ids
// that exist, an acyclic dependency graph, and assignTo consistency against
// any declared agent manifest.
func Validate(w *model.Workflow) error {
	const op = "workflow.Validate"

	if strings.TrimSpace(w.Name) == "" {
		return cerrors.E(op, cerrors.InvalidArgument, errors.New("workflow name is required"))
	}
	if len(w.Tasks) == 0 {
		return cerrors.E(op, cerrors.InvalidArgument, errors.New("workflow must declare at least one task"))
	}

	seen := make(map[string]bool, len(w.Tasks))
	for _, t := range w.Tasks {
		if t.ID == "" {
			return cerrors.E(op, cerrors.InvalidArgument, errors.New("task id is required"))
		}
		if seen[t.ID] {
			return cerrors.E(op, cerrors.InvalidArgument, fmt.Errorf("Duplicate task ID: %s", t.ID))
		}
		seen[t.ID] = true
	}

	var declared map[string]bool
	if len(w.DeclaredAgents) > 0 {
		declared = make(map[string]bool, len(w.DeclaredAgents))
		for _, id := range w.DeclaredAgents {
			declared[id] = true
		}
	}

	for _, t := range w.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return cerrors.E(op, cerrors.InvalidArgument, fmt.Errorf("task %s depends on unknown task %s", t.ID, dep))
			}
		}
		if declared != nil && t.AssignTo != "" && !declared[t.AssignTo] {
			return cerrors.E(op, cerrors.InvalidArgument, fmt.Errorf("task %s assignTo references undeclared agent %s", t.ID, t.AssignTo))
		}
	}

	if err := detectCycle(w.Tasks); err != nil {
		return cerrors.E(op, cerrors.InvalidArgument, err)
	}
	return nil
}

// detectCycle is a DFS with an explicit recursion set (Design Notes §9:
// "no implicit runtime stack assumptions"), not the language's call stack
// standing in for one.
func detectCycle(tasks []model.Task) error {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return errors.New("Circular dependencies detected")
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if err := visit(t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
