package dag

import "context"

// GraphHash is the deterministic identity of a TaskGraph.
type GraphHash string

// TaskDefHash is the deterministic identity of a task definition.
type TaskDefHash string

func (h GraphHash) String() string   { return string(h) }
func (h TaskDefHash) String() string { return string(h) }

// Task is one unit of work.
type Task struct {
	Name string
	// Inputs and Definition describe the work for identity purposes; they
	// feed the definition hash but are never interpreted.
	Inputs     []string
	Definition string
	// Run performs the work. A returned error fails the task.
	Run func(ctx context.Context) error
}

// Edge is a dependency: To runs only after From completes.
type Edge struct {
	From string
	To   string
}

// TaskNode is an immutable node in the TaskGraph.
type TaskNode struct {
	Name           string
	Task           Task
	DefinitionHash TaskDefHash
	canonicalIndex int
}
