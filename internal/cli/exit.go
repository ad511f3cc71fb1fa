package cli

import (
	"errors"
	"fmt"

	"paperpack/internal/history"
	"paperpack/internal/pipeline"
	"paperpack/internal/scan"
)

// Process exit codes.
const (
	ExitSuccess           = 0
	ExitBuildFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError reports unusable command line input.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ServerExitError carries the exit status of a development server so the
// run command can pass it on.
type ServerExitError struct {
	Code int
}

func (e *ServerExitError) Error() string {
	return fmt.Sprintf("server exited with status %d", e.Code)
}

// ExitCode maps err to a process exit code. Unclassified errors are
// internal errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	var serverErr *ServerExitError
	if errors.As(err, &serverErr) {
		return serverErr.Code
	}
	if errors.Is(err, pipeline.ErrUnknownStage) {
		return ExitInvalidInvocation
	}
	var configErr *history.ConfigFailureError
	if errors.As(err, &configErr) {
		return ExitConfigError
	}
	var (
		stageErr *history.StageFailureError
		badCalls *scan.BadCallsError
		leftover *scan.LeftoverError
	)
	if errors.As(err, &stageErr) || errors.As(err, &badCalls) || errors.As(err, &leftover) {
		return ExitBuildFailure
	}
	return ExitInternalError
}
