package dag

import (
	"container/heap"
	"slices"
)

// validateAcyclic runs Kahn's algorithm and, when nodes remain, reports one
// cycle as a witness.
func (g *TaskGraph) validateAcyclic() error {
	if len(g.topoOrderIndices()) == len(g.nodes) {
		return nil
	}
	return cycleError(g.findCycle())
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// topoOrderIndices returns canonical indices in topological order, always
// taking the lowest ready index next.
func (g *TaskGraph) topoOrderIndices() []int {
	indeg := slices.Clone(g.indeg)
	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle walks the graph depth-first in canonical order and returns the
// first cycle found as names, closed on its first node.
func (g *TaskGraph) findCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	mark := make([]int, len(g.nodes))
	var path []int

	var visit func(u int) []int
	visit = func(u int) []int {
		mark[u] = onStack
		path = append(path, u)
		for _, v := range g.outgoing[u] {
			switch mark[v] {
			case onStack:
				i := slices.Index(path, v)
				return append(slices.Clone(path[i:]), v)
			case unvisited:
				if c := visit(v); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		mark[u] = done
		return nil
	}

	for i := range g.nodes {
		if mark[i] != unvisited {
			continue
		}
		if c := visit(i); c != nil {
			names := make([]string, len(c))
			for j, idx := range c {
				names[j] = g.nodes[idx].Name
			}
			return names
		}
	}
	return nil
}
