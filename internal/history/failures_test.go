package history

import (
	"errors"
	"testing"
)

func TestFailureFromError_Classes(t *testing.T) {
	cases := []struct {
		err   error
		class FailureClass
		code  string
	}{
		{&ConfigFailureError{Code: "InvalidDescriptor", Message: "project.name is required"}, FailureClassConfig, "InvalidDescriptor"},
		{&GraphFailureError{Message: "cycle"}, FailureClassGraph, "GraphFailure"},
		{&StageFailureError{Stage: "verify", Message: "bad calls"}, FailureClassStage, "StageFailure"},
		{&SystemFailureError{Code: "Trace", Message: "disk full"}, FailureClassSystem, "Trace"},
		{errors.New("boom"), FailureClassSystem, "UnknownError"},
	}
	for _, tc := range cases {
		f, err := FailureFromError(tc.err)
		if err != nil {
			t.Fatalf("%v: %v", tc.err, err)
		}
		if f.FailureClass != tc.class || f.ErrorCode != tc.code {
			t.Fatalf("%v: got class=%s code=%s", tc.err, f.FailureClass, f.ErrorCode)
		}
		if err := f.Validate(); err != nil {
			t.Fatalf("%v: invalid failure: %v", tc.err, err)
		}
	}

	if _, err := FailureFromError(nil); err == nil {
		t.Fatalf("expected error for nil")
	}
}
