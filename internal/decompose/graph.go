package decompose

import (
	"github.com/user/taskforge/internal/apperr"
	"github.com/user/taskforge/internal/plan"
)

const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // fully explored
)

// checkForCycles runs an iterative three-color depth-first search
// over the depends_on edges and fails on the first back edge,
// naming the two offending task titles.
func checkForCycles(flat []plan.FlatTask) error {
	color := make([]int, len(flat))

	type frame struct {
		node int
		next int // index into DependsOn, resumed on revisit
	}

	for start := range flat {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		color[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := flat[top.node].DependsOn
			if top.next < len(deps) {
				next := deps[top.next]
				top.next++
				switch color[next] {
				case gray:
					return apperr.CycleDetectedf("dependency cycle between %q and %q", flat[top.node].Title, flat[next].Title)
				case white:
					color[next] = gray
					stack = append(stack, frame{node: next})
				}
				continue
			}
			color[top.node] = black
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

// computeWaves assigns each task its topological depth via Kahn's
// algorithm: wave 0 for tasks with no predecessors, otherwise one
// past the deepest predecessor. Assumes checkForCycles has accepted
// the graph.
func computeWaves(flat []plan.FlatTask) []int {
	n := len(flat)
	waves := make([]int, n)
	indegree := make([]int, n)
	dependents := make([][]int, n)

	for i, ft := range flat {
		indegree[i] = len(ft.DependsOn)
		for _, dep := range ft.DependsOn {
			dependents[dep] = append(dependents[dep], i)
		}
	}

	queue := []int{}
	for i := range flat {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range dependents[node] {
			if waves[node]+1 > waves[next] {
				waves[next] = waves[node] + 1
			}
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return waves
}
