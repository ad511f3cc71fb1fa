package dag

// TaskState is the runtime state of a node.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskSkipped   TaskState = "SKIPPED"
)

// ExecutionState maps task name to its current TaskState.
type ExecutionState map[string]TaskState
