package dag

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

type recordingObserver struct {
	events []string
}

func (o *recordingObserver) TaskStarted(name string) {
	o.events = append(o.events, "start "+name)
}

func (o *recordingObserver) TaskFinished(name string, state TaskState, _ time.Duration, err error, cause string) {
	ev := fmt.Sprintf("%s %s", state, name)
	if err != nil {
		ev += " (" + err.Error() + ")"
	}
	if cause != "" {
		ev += " after " + cause
	}
	o.events = append(o.events, ev)
}

func tasks(fail map[string]error, ran *[]string, names ...string) []Task {
	out := make([]Task, 0, len(names))
	for _, n := range names {
		name := n
		out = append(out, Task{
			Name:       name,
			Definition: "run-" + name,
			Run: func(context.Context) error {
				*ran = append(*ran, name)
				return fail[name]
			},
		})
	}
	return out
}

func TestExecutorSerial_RespectsSchedulerOrderOnComplexGraph(t *testing.T) {
	// A -> C, B -> D, E independent.
	// Depth 0 runs first in name order (A, B, E), then depth 1 (C, D).
	var ran []string
	g, err := NewTaskGraph(
		tasks(nil, &ran, "A", "B", "C", "D", "E"),
		[]Edge{{From: "A", To: "C"}, {From: "B", To: "D"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exec, err := NewExecutor(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := exec.RunSerial(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantOrder := []string{"A", "B", "E", "C", "D"}
	if !reflect.DeepEqual(res.ExecutionOrder, wantOrder) {
		t.Fatalf("execution order mismatch: got %v want %v", res.ExecutionOrder, wantOrder)
	}
	if !reflect.DeepEqual(ran, wantOrder) {
		t.Fatalf("run order mismatch: got %v want %v", ran, wantOrder)
	}
	if !res.Succeeded() || res.Err() != nil {
		t.Fatalf("expected success, got %v", res.FinalState)
	}
	if res.GraphHash != g.Hash() {
		t.Fatalf("graph hash mismatch")
	}
}

func TestExecutorSerial_FailurePropagatesAndContinuesIndependentWork(t *testing.T) {
	// A -> B -> C, D independent. A fails; B and C are skipped; D still runs.
	boom := errors.New("boom")
	var ran []string
	g, err := NewTaskGraph(
		tasks(map[string]error{"A": boom}, &ran, "A", "B", "C", "D"),
		[]Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exec, err := NewExecutor(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	obs := &recordingObserver{}
	exec.Observer = obs

	res, err := exec.RunSerial(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(res.ExecutionOrder, []string{"A", "D"}) {
		t.Fatalf("unexpected execution order: %v", res.ExecutionOrder)
	}
	want := ExecutionState{"A": TaskFailed, "B": TaskSkipped, "C": TaskSkipped, "D": TaskCompleted}
	if !reflect.DeepEqual(res.FinalState, want) {
		t.Fatalf("unexpected final state: %v", res.FinalState)
	}

	var te *TaskError
	if err := res.Err(); !errors.As(err, &te) || te.Task != "A" || !errors.Is(err, boom) {
		t.Fatalf("expected TaskError for A wrapping boom, got %v", err)
	}

	wantEvents := []string{
		"start A",
		"FAILED A (boom)",
		"SKIPPED B after A",
		"SKIPPED C after A",
		"start D",
		"COMPLETED D",
	}
	// B and C are reported in canonical order, which is hash based.
	if len(obs.events) != len(wantEvents) || obs.events[0] != wantEvents[0] || obs.events[1] != wantEvents[1] ||
		obs.events[4] != wantEvents[4] || obs.events[5] != wantEvents[5] {
		t.Fatalf("unexpected observer events: %v", obs.events)
	}
}

func TestExecutorSerial_CancelledContextFailsRemainingTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran []string
	g, err := NewTaskGraph(
		[]Task{
			{Name: "A", Definition: "run-a", Run: func(context.Context) error {
				ran = append(ran, "A")
				cancel()
				return nil
			}},
			{Name: "B", Definition: "run-b", Run: func(context.Context) error {
				ran = append(ran, "B")
				return nil
			}},
			{Name: "C", Definition: "run-c", Run: noop},
		},
		[]Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exec, err := NewExecutor(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := exec.RunSerial(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(ran, []string{"A"}) {
		t.Fatalf("B must not start after cancellation, ran %v", ran)
	}
	if res.FinalState["B"] != TaskFailed || res.FinalState["C"] != TaskSkipped {
		t.Fatalf("unexpected final state: %v", res.FinalState)
	}
	if !errors.Is(res.Err(), context.Canceled) {
		t.Fatalf("expected cancellation, got %v", res.Err())
	}
}

func TestExecutorSerial_PanicBecomesFailure(t *testing.T) {
	g, err := NewTaskGraph([]Task{{Name: "A", Definition: "run-a", Run: func(context.Context) error {
		panic("nil map")
	}}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exec, err := NewExecutor(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := exec.RunSerial(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FinalState["A"] != TaskFailed || res.Err() == nil {
		t.Fatalf("expected failure, got %v", res.FinalState)
	}
}
