package dag

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Observer is notified of task outcomes. Calls happen on the executor's
// goroutine, in execution order.
type Observer interface {
	TaskStarted(name string)
	// TaskFinished reports a terminal state. Skipped tasks carry the name
	// of the failed task that caused the skip in cause.
	TaskFinished(name string, state TaskState, elapsed time.Duration, err error, cause string)
}

// Executor runs a TaskGraph one task at a time in scheduler order.
type Executor struct {
	Graph    *TaskGraph
	Observer Observer

	now   func() time.Time
	mu    sync.Mutex
	state ExecutionState
}

// NewExecutor creates an executor with every node PENDING.
func NewExecutor(g *TaskGraph) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	state := make(ExecutionState, len(g.nodes))
	for _, n := range g.nodes {
		state[n.Name] = TaskPending
	}
	return &Executor{Graph: g, state: state, now: time.Now}, nil
}

// StateSnapshot returns a copy of the current execution state.
func (e *Executor) StateSnapshot() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make(ExecutionState, len(e.state))
	for k, v := range e.state {
		cp[k] = v
	}
	return cp
}

// RunSerial executes the graph. A failing task fails only itself and its
// dependents; independent tasks still run. Once ctx is done, remaining
// tasks fail with ctx's error without being started.
//
// The returned error reports executor faults only; task failures are in
// the result.
func (e *Executor) RunSerial(ctx context.Context) (*GraphResult, error) {
	res := &GraphResult{
		GraphHash:      e.Graph.Hash(),
		ExecutionOrder: make([]string, 0, len(e.Graph.nodes)),
		Errors:         map[string]error{},
		Durations:      map[string]time.Duration{},
	}

	for {
		e.mu.Lock()
		ready := GetReadyTasks(e.Graph, e.state)
		if len(ready) == 0 {
			finished := true
			for _, st := range e.state {
				if !IsTerminal(st) {
					finished = false
					break
				}
			}
			e.mu.Unlock()
			if !finished {
				return nil, fmt.Errorf("no ready tasks but graph not finished")
			}
			res.FinalState = e.StateSnapshot()
			return res, nil
		}

		next := ready[0]
		task := e.Graph.nodesByName[next].Task
		if err := Transition(e.state, next, TaskPending, TaskRunning); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.mu.Unlock()

		res.ExecutionOrder = append(res.ExecutionOrder, next)
		if e.Observer != nil {
			e.Observer.TaskStarted(next)
		}

		start := e.now()
		err := ctx.Err()
		if err == nil {
			err = runTask(ctx, task)
		}
		elapsed := e.now().Sub(start)
		res.Durations[next] = elapsed

		e.mu.Lock()
		if err == nil {
			if terr := Transition(e.state, next, TaskRunning, TaskCompleted); terr != nil {
				e.mu.Unlock()
				return nil, terr
			}
			e.mu.Unlock()
			if e.Observer != nil {
				e.Observer.TaskFinished(next, TaskCompleted, elapsed, nil, "")
			}
			continue
		}

		res.Errors[next] = err
		skipped, perr := FailAndPropagate(e.Graph, e.state, next)
		e.mu.Unlock()
		if perr != nil {
			return nil, perr
		}
		if e.Observer != nil {
			e.Observer.TaskFinished(next, TaskFailed, elapsed, err, "")
			for _, s := range skipped {
				e.Observer.TaskFinished(s, TaskSkipped, 0, nil, next)
			}
		}
	}
}

// runTask converts a panicking task into a failure.
func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.Run(ctx)
}
