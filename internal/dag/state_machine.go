package dag

import (
	"container/heap"
	"fmt"
)

// IsTerminal reports whether the state is final.
func IsTerminal(s TaskState) bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// Transition moves taskName from one state to another. It fails without
// mutating state when the current state is not from or the move is not
// allowed.
func Transition(state ExecutionState, taskName string, from, to TaskState) error {
	cur, ok := state[taskName]
	if !ok {
		return fmt.Errorf("unknown task in state: %q", taskName)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", taskName, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", taskName, from, to)
	}
	state[taskName] = to
	return nil
}

func isAllowedTransition(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskSkipped
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed
	default:
		return false
	}
}

// FailAndPropagate marks taskName FAILED and every task reachable from it
// SKIPPED. It returns the newly skipped tasks in canonical order.
//
// A RUNNING downstream task is an invariant violation.
func FailAndPropagate(g *TaskGraph, state ExecutionState, taskName string) ([]string, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByName[taskName]
	if !ok {
		return nil, fmt.Errorf("unknown task: %q", taskName)
	}
	cur, ok := state[taskName]
	if !ok {
		return nil, fmt.Errorf("unknown task in state: %q", taskName)
	}
	if cur != TaskRunning && cur != TaskFailed {
		return nil, fmt.Errorf("cannot fail %q from state %s", taskName, cur)
	}
	state[taskName] = TaskFailed

	visited := make([]bool, len(g.nodes))
	visited[node.canonicalIndex] = true
	hq := &intMinHeap{}
	for _, d := range g.outgoing[node.canonicalIndex] {
		heap.Push(hq, d)
	}

	var skipped []string
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		name := g.nodes[u].Name
		switch state[name] {
		case TaskPending:
			state[name] = TaskSkipped
			skipped = append(skipped, name)
		case TaskRunning:
			return nil, fmt.Errorf("invariant violation: downstream task %q is RUNNING during failure propagation", name)
		}
		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}
	return skipped, nil
}
