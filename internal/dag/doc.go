// Package dag runs build stages as a dependency graph.
//
// The graph definition (TaskGraph) is immutable and validated on
// construction; execution state (ExecutionState) lives in the Executor, so
// one graph can be run any number of times. Graph identity (GraphHash)
// derives from task definitions and edge structure only, making it
// invariant to insertion order.
package dag
