package history

import (
	"errors"
	"fmt"
)

// ConfigFailureError reports an unusable build descriptor or environment.
type ConfigFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ConfigFailureError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("config failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("config failure: %s", e.Message)
}

func (e *ConfigFailureError) Unwrap() error { return e.Cause }

// GraphFailureError reports a stage graph that could not be built.
type GraphFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *GraphFailureError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("graph failure: %s", e.Message)
}

func (e *GraphFailureError) Unwrap() error { return e.Cause }

// StageFailureError reports a pipeline stage that failed.
type StageFailureError struct {
	Stage   string
	Code    string
	Message string
	Cause   error
}

func (e *StageFailureError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("stage failed: %s", e.Message)
}

func (e *StageFailureError) Unwrap() error { return e.Cause }

// SystemFailureError reports failures outside the build itself, such as an
// unwritable build directory.
type SystemFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SystemFailureError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("system failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("system failure: %s", e.Message)
}

func (e *SystemFailureError) Unwrap() error { return e.Cause }

// FailureFromError classifies err. Unknown errors are system failures.
func FailureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var cf *ConfigFailureError
	if errors.As(err, &cf) {
		return Failure{
			FailureClass: FailureClassConfig,
			ErrorCode:    nonEmptyOr(cf.Code, "ConfigFailure"),
			ErrorMessage: nonEmptyOr(cf.Message, cf.Error()),
		}, nil
	}

	var gf *GraphFailureError
	if errors.As(err, &gf) {
		return Failure{
			FailureClass: FailureClassGraph,
			ErrorCode:    nonEmptyOr(gf.Code, "GraphFailure"),
			ErrorMessage: nonEmptyOr(gf.Message, gf.Error()),
		}, nil
	}

	var sf *StageFailureError
	if errors.As(err, &sf) {
		var stage *string
		if sf.Stage != "" {
			s := sf.Stage
			stage = &s
		}
		return Failure{
			FailureClass: FailureClassStage,
			Stage:        stage,
			ErrorCode:    nonEmptyOr(sf.Code, "StageFailure"),
			ErrorMessage: nonEmptyOr(sf.Message, sf.Error()),
		}, nil
	}

	var sys *SystemFailureError
	if errors.As(err, &sys) {
		return Failure{
			FailureClass: FailureClassSystem,
			ErrorCode:    nonEmptyOr(sys.Code, "SystemFailure"),
			ErrorMessage: nonEmptyOr(sys.Message, sys.Error()),
		}, nil
	}

	return Failure{
		FailureClass: FailureClassSystem,
		ErrorCode:    "UnknownError",
		ErrorMessage: err.Error(),
	}, nil
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
