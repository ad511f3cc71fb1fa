package dag

import (
	"sort"
)

// GetReadyTasks returns the names of PENDING tasks whose dependencies have
// all COMPLETED, sorted by (topological depth, name). It does not mutate g
// or state.
func GetReadyTasks(g *TaskGraph, state ExecutionState) []string {
	if g == nil {
		return nil
	}

	ready := make([]string, 0)
	for _, node := range g.nodes {
		if state[node.Name] != TaskPending {
			continue
		}
		depsOK := true
		for _, parent := range g.incoming[node.canonicalIndex] {
			if state[g.nodes[parent].Name] != TaskCompleted {
				depsOK = false
				break
			}
		}
		if depsOK {
			ready = append(ready, node.Name)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		ad, _ := g.Depth(a)
		bd, _ := g.Depth(b)
		if ad != bd {
			return ad < bd
		}
		return a < b
	})
	return ready
}
