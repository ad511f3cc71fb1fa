package dag

import "time"

// GraphResult summarizes one execution of a graph.
type GraphResult struct {
	GraphHash GraphHash

	// FinalState is the terminal state of each node by name.
	FinalState ExecutionState

	// ExecutionOrder lists the tasks that were started, in order.
	ExecutionOrder []string

	// Errors holds the failure of every FAILED task.
	Errors map[string]error

	Durations map[string]time.Duration
}

// Succeeded reports whether every task completed.
func (r *GraphResult) Succeeded() bool {
	for _, st := range r.FinalState {
		if st != TaskCompleted {
			return false
		}
	}
	return true
}

// Err returns the first failure in execution order as a *TaskError, or nil.
func (r *GraphResult) Err() error {
	for _, name := range r.ExecutionOrder {
		if err, ok := r.Errors[name]; ok {
			return &TaskError{Task: name, Err: err}
		}
	}
	return nil
}
