package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"paperpack/internal/compile"
	"paperpack/internal/dag"
	"paperpack/internal/junit"
	"paperpack/internal/logging"
	"paperpack/internal/manifest"
	"paperpack/internal/maven"
	"paperpack/internal/metrics"
	"paperpack/internal/scan"
	"paperpack/internal/trace"
)

// observer turns stage outcomes into log entries, trace events and
// metrics.
type observer struct {
	logger  *zap.Logger
	metrics *metrics.Recorder
	sink    trace.Sink
	outputs map[string][]string
}

func (o *observer) TaskStarted(name string) {
	logging.ForStage(o.logger, name).Info("stage started")
}

func (o *observer) TaskFinished(name string, state dag.TaskState, elapsed time.Duration, err error, cause string) {
	l := logging.ForStage(o.logger, name)
	ev := trace.Event{Stage: name, Position: position(name)}
	var outcome string
	switch state {
	case dag.TaskCompleted:
		outcome = "completed"
		ev.Kind = trace.EventStageCompleted
		ev.Outputs = o.outputs[name]
		l.Info("stage completed", zap.Duration("elapsed", elapsed))
	case dag.TaskFailed:
		outcome = "failed"
		ev.Kind = trace.EventStageFailed
		ev.Reason = reasonCode(err)
		l.Error("stage failed", zap.Duration("elapsed", elapsed), zap.String("reason", ev.Reason), zap.Error(err))
	case dag.TaskSkipped:
		outcome = "skipped"
		ev.Kind = trace.EventStageSkipped
		ev.Reason = trace.ReasonUpstreamFailed
		ev.Cause = cause
		l.Warn("stage skipped", zap.String("cause", cause))
	default:
		return
	}
	trace.SafeRecord(o.sink, ev)
	if o.metrics != nil {
		o.metrics.ObserveStage(name, outcome, elapsed)
	}
}

// reasonCode maps a stage error to a stable code. Error text never reaches
// the trace.
func reasonCode(err error) string {
	var (
		compileErr *compile.CompileError
		badCalls   *scan.BadCallsError
		leftovers  *scan.LeftoverError
		testErr    *junit.TestError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return trace.ReasonCancelled
	case errors.As(err, &compileErr):
		return "CompileError"
	case errors.As(err, &testErr):
		return "TestFailure"
	case errors.As(err, &badCalls):
		return "BadCallsError"
	case errors.As(err, &leftovers):
		return "LeftoverError"
	case errors.Is(err, maven.ErrNotFound):
		return "ArtifactNotFound"
	case errors.Is(err, manifest.ErrNoProvenance):
		return "NoProvenance"
	default:
		return "StageError"
	}
}
