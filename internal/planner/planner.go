// Package planner resolves step dependencies into an executable schedule.
package planner

import (
	"github.com/conveyorhq/conveyor/pkg/types"
)

// Plan is a validated execution schedule. Waves are ordered; steps
// within a wave have no ordering constraint between each other.
type Plan struct {
	// Waves holds step IDs grouped by dependency depth. Wave 0 contains
	// steps with no dependencies; wave n steps depend only on waves < n.
	Waves [][]string

	// Dependents maps a step ID to the IDs that depend on it.
	Dependents map[string][]string

	// Ancestors maps a step ID to the set of its transitive dependencies.
	Ancestors map[string]map[string]bool
}

// StepCount returns the total number of scheduled steps.
func (p *Plan) StepCount() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w)
	}
	return n
}

// Build validates the dependency graph over the given steps and
// produces a wave schedule. It fails on duplicate IDs, edges targeting
// unknown steps, and cycles; cyclic definitions are rejected before any
// execution.
func Build(steps []types.StepDefinition) (*Plan, error) {
	byID := make(map[string]*types.StepDefinition, len(steps))
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, types.NewFailure(types.CodeValidation, false, "step %d has an empty id", i)
		}
		if _, exists := byID[step.ID]; exists {
			return nil, types.NewFailure(types.CodeValidation, false, "duplicate step id %q", step.ID)
		}
		byID[step.ID] = step
	}

	// Build adjacency, rejecting edges to unknown steps.
	dependents := make(map[string][]string, len(steps))
	indegree := make(map[string]int, len(steps))
	for id := range byID {
		indegree[id] = 0
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, types.NewFailure(types.CodeValidation, false,
					"step %q depends on unknown step %q", step.ID, dep)
			}
			if dep == step.ID {
				return nil, types.NewFailure(types.CodeValidation, false,
					"step %q depends on itself", step.ID)
			}
			dependents[dep] = append(dependents[dep], step.ID)
			indegree[step.ID]++
		}
	}

	if onCycle := findCycle(steps, byID); onCycle != "" {
		return nil, types.NewFailure(types.CodeValidation, false,
			"dependency cycle detected involving step %q", onCycle)
	}

	// Kahn levels: wave n holds steps whose dependencies all sit in
	// earlier waves. Declaration order is preserved within a wave.
	remaining := make(map[string]int, len(indegree))
	for id, d := range indegree {
		remaining[id] = d
	}

	var waves [][]string
	placed := 0
	for placed < len(steps) {
		var wave []string
		for _, step := range steps {
			if remaining[step.ID] == 0 {
				wave = append(wave, step.ID)
				remaining[step.ID] = -1 // placed
			}
		}
		for _, id := range wave {
			for _, dep := range dependents[id] {
				remaining[dep]--
			}
		}
		waves = append(waves, wave)
		placed += len(wave)
	}

	return &Plan{
		Waves:      waves,
		Dependents: dependents,
		Ancestors:  buildAncestors(steps, byID),
	}, nil
}

// findCycle runs DFS with a recursion stack and returns the ID of a
// step on a cycle, or "".
func findCycle(steps []types.StepDefinition, byID map[string]*types.StepDefinition) string {
	const (
		white = 0 // unvisited
		gray  = 1 // on recursion stack
		black = 2 // done
	)
	color := make(map[string]int, len(steps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, step := range steps {
		if color[step.ID] == white {
			if hit := visit(step.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// buildAncestors computes the transitive dependency set per step.
// The graph is already known to be acyclic here.
func buildAncestors(steps []types.StepDefinition, byID map[string]*types.StepDefinition) map[string]map[string]bool {
	ancestors := make(map[string]map[string]bool, len(steps))

	var collect func(id string) map[string]bool
	collect = func(id string) map[string]bool {
		if set, ok := ancestors[id]; ok {
			return set
		}
		set := make(map[string]bool)
		for _, dep := range byID[id].DependsOn {
			set[dep] = true
			for a := range collect(dep) {
				set[a] = true
			}
		}
		ancestors[id] = set
		return set
	}

	for _, step := range steps {
		collect(step.ID)
	}
	return ancestors
}
